package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleai/ensemble/internal/common/config"
	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/credentials"
	"github.com/ensembleai/ensemble/pkg/assistant"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

type fakeCreds struct {
	released bool
}

func (f *fakeCreds) EnsureCredentials(ctx context.Context, userID string) (*credentials.Credentials, func(), error) {
	return &credentials.Credentials{
		Mode:   v1.CredentialModeAPIKey,
		APIKey: "sk-test",
		EnvKey: "ANTHROPIC_API_KEY",
	}, func() { f.released = true }, nil
}

type fakeCLI struct {
	events  []assistant.Event
	result  assistant.RunResult
	err     error
	waitCtx bool // block until ctx is done, then return ctx.Err()

	gotOpts assistant.RunOptions
}

func (f *fakeCLI) Run(ctx context.Context, opts assistant.RunOptions) (assistant.RunResult, error) {
	f.gotOpts = opts
	if f.waitCtx {
		<-ctx.Done()
		return f.result, ctx.Err()
	}
	for _, ev := range f.events {
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
	}
	return f.result, f.err
}

func newTestRunner(t *testing.T, cli *fakeCLI, cfg config.CLIConfig) (*Runner, *fakeCreds) {
	t.Helper()
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 600
	}
	creds := &fakeCreds{}
	log := logger.Default()
	return New(cli, creds, cfg, config.MCPConfig{Command: "ensemble-mcp"}, log), creds
}

func TestRunTurnAggregatesStream(t *testing.T) {
	cli := &fakeCLI{
		events: []assistant.Event{
			{Kind: assistant.KindText, Text: "Hello "},
			{Kind: assistant.KindToolCall, ToolName: "read_file", Arguments: `{"path":"a.go"}`},
			{Kind: assistant.KindToolResult, ToolName: "read_file", Payload: "package a"},
			{Kind: assistant.KindText, Text: "world"},
			{Kind: assistant.KindUsage, Usage: &assistant.Usage{InputTokens: 100, OutputTokens: 40, CostUSD: 0.002}},
		},
	}
	r, creds := newTestRunner(t, cli, config.CLIConfig{})

	var seen []assistant.Kind
	got, err := r.RunTurn(context.Background(), TurnOptions{
		Agent:  &v1.Agent{Name: "writer", SystemPrompt: "You write."},
		Input:  "say hello",
		UserID: "u1",
		OnEvent: func(ev assistant.Event) {
			seen = append(seen, ev.Kind)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", got.Text)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "read_file", got.ToolCalls[0].Name)
	require.Len(t, got.ToolResults, 1)
	assert.Equal(t, int64(100), got.InputTokens)
	assert.Equal(t, int64(40), got.OutputTokens)
	assert.InDelta(t, 0.002, got.CostUSD, 1e-9)
	assert.Len(t, seen, 5, "caller observes every event")
	assert.True(t, creds.released, "credential session released")
	assert.Contains(t, cli.gotOpts.Env, "ANTHROPIC_API_KEY=sk-test")
}

func TestRunTurnModelSelection(t *testing.T) {
	cli := &fakeCLI{events: []assistant.Event{{Kind: assistant.KindText, Text: "ok"}}}
	r, _ := newTestRunner(t, cli, config.CLIConfig{Model: "default-model"})

	_, err := r.RunTurn(context.Background(), TurnOptions{
		Agent:  &v1.Agent{Name: "a", Model: "agent-model"},
		UserID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-model", cli.gotOpts.Model, "agent override wins")

	_, err = r.RunTurn(context.Background(), TurnOptions{
		Agent:  &v1.Agent{Name: "a"},
		UserID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "default-model", cli.gotOpts.Model)
}

func TestRunTurnWritesMCPConfig(t *testing.T) {
	dir := t.TempDir()
	cli := &fakeCLI{events: []assistant.Event{{Kind: assistant.KindText, Text: "done"}}}
	r, _ := newTestRunner(t, cli, config.CLIConfig{})

	_, err := r.RunTurn(context.Background(), TurnOptions{
		Agent:     &v1.Agent{Name: "coder", UseTools: v1.ToolMode{Explicit: true, Enabled: true}},
		Workspace: &WorkspaceRef{Path: dir, WorkflowID: "wf"},
		UserID:    "u1",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, ".mcp.json"))
	require.NoError(t, err)
	var doc map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "ensemble-mcp", doc["mcpServers"]["ensemble"]["command"])

	assert.Equal(t, dir, cli.gotOpts.Dir, "subprocess runs inside the workspace")
}

func TestRunTurnNoMCPConfigWithoutTools(t *testing.T) {
	dir := t.TempDir()
	cli := &fakeCLI{events: []assistant.Event{{Kind: assistant.KindText, Text: "done"}}}
	r, _ := newTestRunner(t, cli, config.CLIConfig{})

	_, err := r.RunTurn(context.Background(), TurnOptions{
		Agent:     &v1.Agent{Name: "poet", SystemPrompt: "verse only"},
		Workspace: &WorkspaceRef{Path: dir, WorkflowID: "wf"},
		UserID:    "u1",
	})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, ".mcp.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunTurnAgentFailed(t *testing.T) {
	cli := &fakeCLI{result: assistant.RunResult{ExitCode: 2, StderrTail: "boom"}}
	r, _ := newTestRunner(t, cli, config.CLIConfig{})

	_, err := r.RunTurn(context.Background(), TurnOptions{
		Agent:  &v1.Agent{Name: "broken"},
		UserID: "u1",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAgentFailed, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestRunTurnNonZeroExitWithTextSucceeds(t *testing.T) {
	cli := &fakeCLI{
		events: []assistant.Event{{Kind: assistant.KindText, Text: "partial answer"}},
		result: assistant.RunResult{ExitCode: 1},
	}
	r, _ := newTestRunner(t, cli, config.CLIConfig{})

	got, err := r.RunTurn(context.Background(), TurnOptions{
		Agent:  &v1.Agent{Name: "flaky"},
		UserID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "partial answer", got.Text)
}

func TestRunTurnTimeout(t *testing.T) {
	cli := &fakeCLI{waitCtx: true}
	r, _ := newTestRunner(t, cli, config.CLIConfig{TurnTimeout: 1})

	start := time.Now()
	_, err := r.RunTurn(context.Background(), TurnOptions{
		Agent:  &v1.Agent{Name: "slow"},
		UserID: "u1",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSubprocessTimeout, apperrors.CodeOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunTurnCancelled(t *testing.T) {
	cli := &fakeCLI{waitCtx: true}
	r, _ := newTestRunner(t, cli, config.CLIConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := r.RunTurn(ctx, TurnOptions{
		Agent:  &v1.Agent{Name: "victim"},
		UserID: "u1",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCancelled, apperrors.CodeOf(err))
}
