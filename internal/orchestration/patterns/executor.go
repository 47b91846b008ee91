// Package patterns implements the six block execution patterns over a
// shared TurnRunner: sequential, parallel, hierarchical, debate, dynamic
// routing, and reflection.
package patterns

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/orchestration"
	"github.com/ensembleai/ensemble/internal/orchestration/events"
	"github.com/ensembleai/ensemble/internal/orchestration/runner"
	"github.com/ensembleai/ensemble/pkg/assistant"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// TurnRunner issues one agent turn. Implemented by runner.Runner; faked
// in tests.
type TurnRunner interface {
	RunTurn(ctx context.Context, opts runner.TurnOptions) (*runner.TurnResult, error)
}

// Options parameterizes one block invocation.
type Options struct {
	Block *v1.Block

	// Input is the block's composed input: the task plus any upstream
	// context. For ad hoc invocations it is the task itself.
	Input string

	// AgentInputs carries agent-scoped extra context from agent-level
	// design edges, keyed by agent name. Only the named agent sees it.
	AgentInputs map[string]string

	// Workspaces maps agent name to workspace ref. A nil map or a missing
	// entry means the turn runs without a workspace.
	Workspaces map[string]*runner.WorkspaceRef

	UserID string

	// Sink receives agent-level progress events; nil discards them.
	Sink events.Sink
}

// Executor runs blocks. One Executor serves all patterns.
type Executor struct {
	runner TurnRunner
	logger *logger.Logger
}

// NewExecutor creates an Executor over the given turn runner.
func NewExecutor(r TurnRunner, log *logger.Logger) *Executor {
	return &Executor{
		runner: r,
		logger: log.WithFields(zap.String("component", "patterns")),
	}
}

// Execute validates the block and dispatches to its pattern. All turns
// of the invocation share ctx; the first turn error aborts the block.
func (e *Executor) Execute(ctx context.Context, opts Options) (*v1.BlockResult, error) {
	block := opts.Block
	if err := orchestration.ValidateBlock(block); err != nil {
		return nil, err
	}

	result := &v1.BlockResult{BlockID: block.ID, BlockType: block.Type}

	var err error
	switch block.Type {
	case v1.BlockTypeSequential:
		err = e.runSequential(ctx, opts, result)
	case v1.BlockTypeParallel:
		err = e.runParallel(ctx, opts, result)
	case v1.BlockTypeHierarchical:
		err = e.runHierarchical(ctx, opts, result)
	case v1.BlockTypeDebate:
		err = e.runDebate(ctx, opts, result)
	case v1.BlockTypeRouting:
		err = e.runRouting(ctx, opts, result)
	case v1.BlockTypeReflection:
		err = e.runReflection(ctx, opts, result)
	default:
		err = apperrors.ValidationError("block.type", fmt.Sprintf("unknown block type %q", block.Type))
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

// runAgent performs one turn, emits its event stream, and appends the
// turn record to the result.
func (e *Executor) runAgent(ctx context.Context, opts Options, agent *v1.Agent, input string) (*v1.TurnRecord, error) {
	sink := opts.Sink
	if sink != nil {
		sink.Publish(v1.ExecutionEvent{
			Type:      v1.EventAgentStarted,
			BlockID:   opts.Block.ID,
			AgentName: agent.Name,
		})
	}

	if extra, ok := opts.AgentInputs[agent.Name]; ok && extra != "" {
		input = input + "\n\n" + extra
	}

	turn, err := e.runner.RunTurn(ctx, runner.TurnOptions{
		Agent:     agent,
		Input:     input,
		Workspace: opts.Workspaces[agent.Name],
		UserID:    opts.UserID,
		OnEvent: func(ev assistant.Event) {
			if sink == nil {
				return
			}
			switch ev.Kind {
			case assistant.KindText:
				sink.Publish(v1.ExecutionEvent{
					Type:      v1.EventAgentChunk,
					BlockID:   opts.Block.ID,
					AgentName: agent.Name,
					Text:      ev.Text,
				})
			case assistant.KindToolCall:
				sink.Publish(v1.ExecutionEvent{
					Type:      v1.EventAgentToolCall,
					BlockID:   opts.Block.ID,
					AgentName: agent.Name,
					ToolCall:  &v1.ToolCall{Name: ev.ToolName, Arguments: ev.Arguments},
				})
			case assistant.KindToolResult:
				sink.Publish(v1.ExecutionEvent{
					Type:       v1.EventAgentToolResult,
					BlockID:    opts.Block.ID,
					AgentName:  agent.Name,
					ToolResult: &v1.ToolResult{Name: ev.ToolName, Payload: ev.Payload, IsError: ev.IsError},
				})
			}
		},
	})

	record := &v1.TurnRecord{AgentName: agent.Name}
	if turn != nil {
		record.Text = turn.Text
		record.ToolCalls = turn.ToolCalls
		record.ToolResults = turn.ToolResults
		record.InputTokens = turn.InputTokens
		record.OutputTokens = turn.OutputTokens
		record.CostUSD = turn.CostUSD
		record.DurationMS = turn.Elapsed.Milliseconds()
	}
	if err != nil {
		record.Error = err.Error()
		return record, err
	}

	if sink != nil {
		sink.Publish(v1.ExecutionEvent{
			Type:      v1.EventAgentCompleted,
			BlockID:   opts.Block.ID,
			AgentName: agent.Name,
			Text:      record.Text,
		})
	}
	return record, nil
}

// Label formats one agent's contribution for aggregation inputs and
// concatenated block outputs.
func Label(name, text string) string {
	return fmt.Sprintf("--- %s ---\n%s", name, text)
}

// joinLabeled concatenates labeled contributions.
func joinLabeled(parts []string) string {
	return strings.Join(parts, "\n\n")
}

func (e *Executor) runSequential(ctx context.Context, opts Options, result *v1.BlockResult) error {
	block := opts.Block
	input := opts.Input
	for i := range block.Agents {
		agent := &block.Agents[i]
		record, err := e.runAgent(ctx, opts, agent, input)
		if record != nil {
			result.Turns = append(result.Turns, *record)
		}
		if err != nil {
			return err
		}
		result.Output = record.Text
		// The next agent sees the task plus its predecessor's answer.
		input = block.Task + "\n\n" + record.Text
	}
	return nil
}

func (e *Executor) runParallel(ctx context.Context, opts Options, result *v1.BlockResult) error {
	block := opts.Block
	workers := orchestration.Workers(block)

	records, err := e.fanOut(ctx, opts, workers, opts.Input)
	for i := range records {
		if records[i] != nil {
			result.Turns = append(result.Turns, *records[i])
		}
	}
	if err != nil {
		return err
	}

	labeled := make([]string, len(workers))
	for i, w := range workers {
		labeled[i] = Label(w.Name, records[i].Text)
	}

	if block.Aggregator == "" {
		result.Output = joinLabeled(labeled)
		return nil
	}

	aggregator, _ := orchestration.AgentByName(block, block.Aggregator)
	aggInput := block.Task + "\n\n" + joinLabeled(labeled)
	record, err := e.runAgent(ctx, opts, aggregator, aggInput)
	if record != nil {
		result.Turns = append(result.Turns, *record)
	}
	if err != nil {
		return err
	}
	result.Output = record.Text
	return nil
}

// fanOut runs the given agents concurrently with a common input. Records
// come back in document order; the first error wins and cancels the rest.
func (e *Executor) fanOut(ctx context.Context, opts Options, agents []v1.Agent, input string) ([]*v1.TurnRecord, error) {
	records := make([]*v1.TurnRecord, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i := range agents {
		g.Go(func() error {
			record, err := e.runAgent(gctx, opts, &agents[i], input)
			records[i] = record
			return err
		})
	}
	err := g.Wait()
	return records, err
}

func (e *Executor) runHierarchical(ctx context.Context, opts Options, result *v1.BlockResult) error {
	block := opts.Block
	manager, _ := orchestration.FindManager(block)

	var workers []v1.Agent
	for _, agent := range block.Agents {
		if agent.Name != manager.Name {
			workers = append(workers, agent)
		}
	}

	rounds := block.Rounds
	if rounds < 1 {
		rounds = 1
	}

	input := opts.Input
	for round := 1; round <= rounds; round++ {
		delegation, err := e.runAgent(ctx, opts, manager,
			input+"\n\nDelegate this work across your team: "+workerNames(workers))
		if delegation != nil {
			result.Turns = append(result.Turns, *delegation)
		}
		if err != nil {
			return err
		}

		records, err := e.fanOut(ctx, opts, workers, delegation.Text)
		for i := range records {
			if records[i] != nil {
				result.Turns = append(result.Turns, *records[i])
			}
		}
		if err != nil {
			return err
		}

		labeled := make([]string, len(workers))
		for i, w := range workers {
			labeled[i] = Label(w.Name, records[i].Text)
		}

		synthesis, err := e.runAgent(ctx, opts, manager,
			block.Task+"\n\nSynthesize your team's results:\n\n"+joinLabeled(labeled))
		if synthesis != nil {
			result.Turns = append(result.Turns, *synthesis)
		}
		if err != nil {
			return err
		}
		result.Output = synthesis.Text
		input = block.Task + "\n\n" + synthesis.Text
	}
	return nil
}

func workerNames(workers []v1.Agent) string {
	names := make([]string, len(workers))
	for i, w := range workers {
		names[i] = w.Name
	}
	return strings.Join(names, ", ")
}

func (e *Executor) runDebate(ctx context.Context, opts Options, result *v1.BlockResult) error {
	block := opts.Block
	debaters := orchestration.Debaters(block)

	var transcript []string
	prior := ""
	for round := 1; round <= block.Rounds; round++ {
		var roundUtterances []string
		for i := range debaters {
			debater := &debaters[i]
			input := opts.Input
			if prior != "" {
				input += "\n\nPrevious round:\n" + prior
			}
			record, err := e.runAgent(ctx, opts, debater, input)
			if record != nil {
				result.Turns = append(result.Turns, *record)
			}
			if err != nil {
				return err
			}
			roundUtterances = append(roundUtterances, Label(debater.Name, record.Text))
		}
		transcript = append(transcript, roundUtterances...)
		prior = joinLabeled(roundUtterances)
	}

	full := joinLabeled(transcript)
	if moderator, ok := orchestration.FindModerator(block); ok {
		record, err := e.runAgent(ctx, opts, moderator,
			opts.Input+"\n\nFull debate transcript:\n\n"+full)
		if record != nil {
			result.Turns = append(result.Turns, *record)
		}
		if err != nil {
			return err
		}
		result.Output = record.Text
		return nil
	}
	result.Output = full
	return nil
}
