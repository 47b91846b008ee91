package instance

import (
	"context"
	"io"
)

// ProcessSpec describes the CLI subprocess an instance runs.
type ProcessSpec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	Cols   uint16
	Rows   uint16
}

// ProcessHandle abstracts the PTY-attached subprocess: unix uses
// creack/pty, windows uses ConPTY, and tests inject a pipe-backed fake
// through the manager's startProcess hook.
type ProcessHandle interface {
	// Read streams the PTY output.
	io.Reader
	// Write feeds the PTY input. Callers serialize writes per instance.
	io.Writer

	// Resize adjusts the terminal dimensions.
	Resize(cols, rows uint16) error
	// Interrupt delivers the platform interrupt (SIGINT / Ctrl+C).
	Interrupt() error
	// Kill terminates the subprocess unconditionally.
	Kill() error
	// Wait blocks until the subprocess exits; ctx bounds the wait.
	Wait(ctx context.Context) error
	// Close releases the PTY. The subprocess is not signalled.
	Close() error
}

// StartProcessFunc launches the subprocess of a spawned instance.
type StartProcessFunc func(ctx context.Context, spec ProcessSpec) (ProcessHandle, error)
