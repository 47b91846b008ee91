// Package runner issues single agent turns: it resolves the tool policy,
// assembles the system prompt, prepares credentials and MCP wiring, and
// drives one assistant CLI subprocess to completion.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/internal/common/config"
	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/credentials"
	"github.com/ensembleai/ensemble/internal/telemetry"
	"github.com/ensembleai/ensemble/pkg/assistant"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// CredentialSource resolves per-request credentials. Implemented by
// credentials.Provider; faked in tests.
type CredentialSource interface {
	EnsureCredentials(ctx context.Context, userID string) (*credentials.Credentials, func(), error)
}

// CLIClient runs one assistant CLI turn. Implemented by assistant.Client.
type CLIClient interface {
	Run(ctx context.Context, opts assistant.RunOptions) (assistant.RunResult, error)
}

// TurnOptions parameterizes one agent turn.
type TurnOptions struct {
	Agent     *v1.Agent
	Input     string
	Workspace *WorkspaceRef
	UserID    string

	// OnEvent, when set, observes every normalized CLI event in arrival
	// order, in addition to the aggregation into the TurnResult.
	OnEvent func(assistant.Event)
}

// TurnResult aggregates one completed turn.
type TurnResult struct {
	Text         string
	ToolCalls    []v1.ToolCall
	ToolResults  []v1.ToolResult
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Elapsed      time.Duration
}

// Runner drives assistant CLI turns for the pattern executors.
type Runner struct {
	client CLIClient
	creds  CredentialSource
	cli    config.CLIConfig
	mcp    config.MCPConfig
	logger *logger.Logger
}

// New creates a Runner. client may be nil, in which case a client for the
// configured CLI binary is built.
func New(client CLIClient, creds CredentialSource, cli config.CLIConfig, mcp config.MCPConfig, log *logger.Logger) *Runner {
	if client == nil {
		client = assistant.NewClient(cli.Binary, cli.Args)
	}
	return &Runner{
		client: client,
		creds:  creds,
		cli:    cli,
		mcp:    mcp,
		logger: log.WithFields(zap.String("component", "runner")),
	}
}

// RunTurn executes one agent turn and aggregates its event stream.
//
// Failure mapping: turn-timeout expiry yields SubprocessTimeout, external
// cancellation yields Cancelled, and a non-zero exit with no assistant
// text yields AgentFailed. A non-zero exit after usable text is treated
// as a completed turn.
func (r *Runner) RunTurn(ctx context.Context, opts TurnOptions) (*TurnResult, error) {
	agent := opts.Agent
	toolsEnabled := DecideToolPolicy(agent)
	systemPrompt := BuildSystemPrompt(agent, toolsEnabled, opts.Workspace)

	if toolsEnabled && opts.Workspace != nil {
		if err := r.writeMCPConfig(opts.Workspace.Path); err != nil {
			return nil, err
		}
	}

	creds, release, err := r.creds.EnsureCredentials(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	turnCtx, cancel := context.WithTimeout(ctx, r.cli.TurnTimeoutDuration())
	defer cancel()

	ctxSpan, span := telemetry.StartTurnSpan(turnCtx, agent.Name)
	defer span.End()

	result := &TurnResult{}
	var textParts []string

	dir := ""
	if opts.Workspace != nil {
		dir = opts.Workspace.Path
	}

	model := agent.Model
	if model == "" {
		model = r.cli.Model
	}

	r.logger.Debug("starting agent turn",
		zap.String("agent", agent.Name),
		zap.Bool("tools", toolsEnabled),
		zap.String("dir", dir))

	runResult, runErr := r.client.Run(ctxSpan, assistant.RunOptions{
		SystemPrompt: systemPrompt,
		Prompt:       opts.Input,
		Model:        model,
		Dir:          dir,
		Env:          creds.Env(),
		OnEvent: func(ev assistant.Event) {
			if opts.OnEvent != nil {
				opts.OnEvent(ev)
			}
			switch ev.Kind {
			case assistant.KindText:
				textParts = append(textParts, ev.Text)
			case assistant.KindToolCall:
				result.ToolCalls = append(result.ToolCalls, v1.ToolCall{
					Name:      ev.ToolName,
					Arguments: ev.Arguments,
				})
			case assistant.KindToolResult:
				result.ToolResults = append(result.ToolResults, v1.ToolResult{
					Name:    ev.ToolName,
					Payload: ev.Payload,
					IsError: ev.IsError,
				})
			case assistant.KindUsage:
				if ev.Usage != nil {
					result.InputTokens += ev.Usage.InputTokens + ev.Usage.CacheCreationTokens + ev.Usage.CacheReadTokens
					result.OutputTokens += ev.Usage.OutputTokens
					result.CostUSD += ev.Usage.CostUSD
				}
			}
		},
	})

	result.Text = concat(textParts)
	result.Elapsed = runResult.Duration

	if runErr != nil {
		switch {
		case errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil:
			return result, apperrors.SubprocessTimeout(agent.Name, runErr)
		case errors.Is(runErr, context.Canceled) || ctx.Err() != nil:
			return result, apperrors.Cancelled("agent turn")
		default:
			if result.Text == "" {
				return result, apperrors.AgentFailed(agent.Name, runResult.ExitCode, runResult.StderrTail)
			}
		}
	}

	if runResult.ExitCode != 0 && result.Text == "" {
		return result, apperrors.AgentFailed(agent.Name, runResult.ExitCode, runResult.StderrTail)
	}

	r.logger.Debug("agent turn completed",
		zap.String("agent", agent.Name),
		zap.Int("tool_calls", len(result.ToolCalls)),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// writeMCPConfig drops an .mcp.json into the workspace pointing the CLI
// at the control plane's MCP server over a local command transport.
func (r *Runner) writeMCPConfig(workspaceDir string) error {
	if workspaceDir == "" || r.mcp.Command == "" {
		return nil
	}
	doc := map[string]any{
		"mcpServers": map[string]any{
			"ensemble": map[string]any{
				"command": r.mcp.Command,
				"args":    r.mcp.Args,
			},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.InternalError("marshal mcp config", err)
	}
	path := filepath.Join(workspaceDir, ".mcp.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperrors.InternalError("write mcp config", err)
	}
	return nil
}

func concat(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return string(buf)
}
