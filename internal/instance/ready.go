package instance

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// readyDetector watches a profile-mode CLI's rendered screen for its
// interactive prompt marker. JSON-mode sessions never consult it: there
// the first parsed event signals readiness.
type readyDetector struct {
	mu      sync.Mutex
	term    vt10x.Terminal
	pattern string
	cols    int
	rows    int
}

func newReadyDetector(pattern string, cols, rows int) *readyDetector {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &readyDetector{
		term:    vt10x.New(vt10x.WithSize(cols, rows)),
		pattern: pattern,
		cols:    cols,
		rows:    rows,
	}
}

// feed passes raw PTY output through the terminal emulator.
func (d *readyDetector) feed(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.term.Write(data)
}

// promptVisible reports whether the prompt marker is on screen.
func (d *readyDetector) promptVisible() bool {
	if d.pattern == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for row := 0; row < d.rows; row++ {
		var chars []rune
		for col := 0; col < d.cols; col++ {
			g := d.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		if strings.Contains(string(chars), d.pattern) {
			return true
		}
	}
	return false
}
