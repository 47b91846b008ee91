//go:build windows

package instance

import (
	"context"
	"os"
	"strings"

	"github.com/UserExistsError/conpty"
)

// conptyProcess runs the CLI under a Windows ConPTY pseudo-console.
type conptyProcess struct {
	cpty *conpty.ConPty
	proc *os.Process
}

// StartPTYProcess is the production StartProcessFunc.
func StartPTYProcess(ctx context.Context, spec ProcessSpec) (ProcessHandle, error) {
	cols, rows := int(spec.Cols), int(spec.Rows)
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if spec.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(spec.Dir))
	}
	if len(spec.Env) > 0 {
		opts = append(opts, conpty.ConPtyEnv(append(os.Environ(), spec.Env...)))
	}

	cmdLine := buildCmdLine(append([]string{spec.Binary}, spec.Args...))
	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, err
	}
	return &conptyProcess{cpty: cpty, proc: proc}, nil
}

func (p *conptyProcess) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *conptyProcess) Write(b []byte) (int, error) { return p.cpty.Write(b) }

func (p *conptyProcess) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// Interrupt delivers Ctrl+C through the pseudo-console input stream;
// Windows has no cross-process SIGINT.
func (p *conptyProcess) Interrupt() error {
	_, err := p.cpty.Write([]byte{0x03})
	return err
}

func (p *conptyProcess) Kill() error {
	return p.proc.Kill()
}

func (p *conptyProcess) Wait(ctx context.Context) error {
	_, err := p.cpty.Wait(ctx)
	return err
}

func (p *conptyProcess) Close() error {
	return p.cpty.Close()
}

// scanArgChars inspects each byte of s and returns whether any character
// requires backslash-escaping (double-quote or backslash) and whether
// the argument contains whitespace.
func scanArgChars(s string) (needsBackslash, hasSpace bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			needsBackslash = true
		case ' ', '\t':
			hasSpace = true
		}
	}
	return needsBackslash, hasSpace
}

// appendEscapedBytes appends the bytes of s applying the MSDN
// CommandLineToArgvW backslash-doubling rules for double quotes.
func appendEscapedBytes(b []byte, s string) ([]byte, int) {
	slashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		default:
			slashes = 0
		case '\\':
			slashes++
		case '"':
			for ; slashes > 0; slashes-- {
				b = append(b, '\\')
			}
			b = append(b, '\\')
		}
		b = append(b, c)
	}
	return b, slashes
}

// escapeArg rewrites one argument following the CommandLineToArgvW
// parsing rules (the same algorithm as syscall.EscapeArg).
func escapeArg(s string) string {
	if len(s) == 0 {
		return `""`
	}

	needsBackslash, hasSpace := scanArgChars(s)
	if !needsBackslash && !hasSpace {
		return s
	}
	if !needsBackslash {
		return `"` + s + `"`
	}

	var b []byte
	if hasSpace {
		b = append(b, '"')
	}
	b, slashes := appendEscapedBytes(b, s)
	if hasSpace {
		for ; slashes > 0; slashes-- {
			b = append(b, '\\')
		}
		b = append(b, '"')
	}
	return string(b)
}

func buildCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = escapeArg(arg)
	}
	return strings.Join(escaped, " ")
}
