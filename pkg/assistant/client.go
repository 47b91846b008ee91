package assistant

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// defaultGrace is the interrupt-to-kill window applied on cancellation
	// when the caller does not set one.
	defaultGrace = 3 * time.Second

	// stderrTailLines bounds the retained stderr ring used for failure reports.
	stderrTailLines = 40
)

// RunOptions parameterizes one CLI turn.
type RunOptions struct {
	// SystemPrompt is passed via --system-prompt; Prompt is written to stdin.
	SystemPrompt string
	Prompt       string

	// Model overrides the CLI's default model when non-empty.
	Model string

	// Dir is the subprocess working directory (the agent's workspace).
	Dir string

	// Env entries are appended to the service environment; later entries
	// win, so credential keys placed here override ambient ones.
	Env []string

	// Grace is the interrupt-to-kill window on cancellation.
	Grace time.Duration

	// OnEvent receives each parsed event in arrival order. Calls are
	// serialized; the callback must not block for long.
	OnEvent func(Event)
}

// RunResult reports how the subprocess ended. Event content is delivered
// through OnEvent; the client does not aggregate semantics.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

// Client invokes the external assistant CLI for one-shot turns.
type Client struct {
	binary string
	args   []string
}

// NewClient returns a client for the given CLI binary and base arguments.
func NewClient(binary string, args []string) *Client {
	return &Client{binary: binary, args: args}
}

// Run executes one turn: spawn the CLI in opts.Dir, stream stdout through
// the line parser into opts.OnEvent, and wait for exit.
//
// Cancellation follows interrupt-then-kill: when ctx is done the process
// group receives an interrupt, and after the grace window it is killed.
// The returned error is ctx.Err() in that case; a non-zero exit by itself
// is not an error here — callers decide via RunResult.ExitCode.
func (c *Client) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	start := time.Now()

	argv := append([]string{}, c.args...)
	argv = append(argv, "--output-format", "stream-json")
	if opts.SystemPrompt != "" {
		argv = append(argv, "--system-prompt", opts.SystemPrompt)
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}

	cmd := exec.Command(c.binary, argv...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start %s: %w", c.binary, err)
	}
	pid := cmd.Process.Pid

	// Prompt goes over stdin so long upstream context never hits argv limits.
	go func() {
		_, _ = io.WriteString(stdin, opts.Prompt)
		_ = stdin.Close()
	}()

	// Stderr tail ring for failure reports.
	var (
		stderrMu    sync.Mutex
		stderrLines []string
	)
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			stderrMu.Lock()
			if len(stderrLines) >= stderrTailLines {
				stderrLines = stderrLines[1:]
			}
			stderrLines = append(stderrLines, StripANSI(sc.Text()))
			stderrMu.Unlock()
		}
	}()

	// Watchdog: interrupt on cancel, kill after grace.
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = interruptProcessGroup(pid)
			select {
			case <-waitDone:
			case <-time.After(grace):
				_ = killProcessGroup(pid)
			}
		case <-waitDone:
		}
	}()

	// Consume stdout on this goroutine so events reach OnEvent in
	// arrival order and the cancel check sits between event reads.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		ev, ok := ParseLine(scanner.Bytes())
		if !ok {
			continue
		}
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
		if ctx.Err() != nil {
			break
		}
	}
	scanErr := scanner.Err()

	readers.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	stderrMu.Lock()
	tail := strings.Join(stderrLines, "\n")
	stderrMu.Unlock()

	result := RunResult{
		ExitCode:   exitCode(waitErr),
		StderrTail: tail,
		Duration:   time.Since(start),
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if scanErr != nil {
		return result, fmt.Errorf("read output: %w", scanErr)
	}
	return result, nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
