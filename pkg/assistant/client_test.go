package assistant

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
)

// shClient wraps a shell script as the assistant binary. Run's extra
// flags land in the script's positional parameters and are ignored.
func shClient(t *testing.T, script string) *Client {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based subprocess tests are unix-only")
	}
	return NewClient("sh", []string{"-c", script})
}

func TestClientRun_StreamsEvents(t *testing.T) {
	c := shClient(t, `printf '%s\n%s\n' '{"type":"text","text":"one"}' '{"type":"usage","input_tokens":5,"output_tokens":7}'`)

	var events []Event
	res, err := c.Run(context.Background(), RunOptions{
		Prompt:  "hello",
		OnEvent: func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != KindText || events[0].Text != "one" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Kind != KindUsage || events[1].Usage.TotalTokens() != 12 {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestClientRun_NonZeroExitWithStderr(t *testing.T) {
	c := shClient(t, `echo "something broke" >&2; exit 3`)

	res, err := c.Run(context.Background(), RunOptions{Prompt: "x"})
	if err != nil {
		t.Fatalf("Run returned error for non-zero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.StderrTail != "something broke" {
		t.Errorf("StderrTail = %q", res.StderrTail)
	}
}

func TestClientRun_CancelInterruptsProcess(t *testing.T) {
	c := shClient(t, `sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Run(ctx, RunOptions{Prompt: "x", Grace: 500 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancellation took %v, interrupt/kill did not land", elapsed)
	}
}

func TestClientRun_PromptDeliveredOnStdin(t *testing.T) {
	c := shClient(t, `read line; printf '{"type":"text","text":"got %s"}\n' "$line"`)

	var got string
	_, err := c.Run(context.Background(), RunOptions{
		Prompt:  "banana\n",
		OnEvent: func(ev Event) { got += ev.Text },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "got banana" {
		t.Errorf("text = %q, want %q", got, "got banana")
	}
}
