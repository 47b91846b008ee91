//go:build !windows

package instance

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// ptyProcess runs the CLI under a creack/pty pseudo-terminal.
type ptyProcess struct {
	cmd  *exec.Cmd
	file *os.File
	done chan error
}

// StartPTYProcess is the production StartProcessFunc.
func StartPTYProcess(ctx context.Context, spec ProcessSpec) (ProcessHandle, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	size := &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}
	if size.Cols == 0 {
		size.Cols = 80
	}
	if size.Rows == 0 {
		size.Rows = 24
	}

	file, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, err
	}

	p := &ptyProcess{cmd: cmd, file: file, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()
	return p, nil
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.file.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.file.Write(b) }

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Interrupt() error {
	return p.cmd.Process.Signal(syscall.SIGINT)
}

func (p *ptyProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *ptyProcess) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		// Re-arm so later Wait calls observe the same exit.
		p.done <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ptyProcess) Close() error {
	return p.file.Close()
}
