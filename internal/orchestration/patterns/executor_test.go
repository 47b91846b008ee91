package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/orchestration/runner"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// scriptedRunner answers turns from per-agent response queues and records
// every call.
type scriptedRunner struct {
	mu        sync.Mutex
	responses map[string][]string
	errors    map[string]error
	calls     []turnCall
}

type turnCall struct {
	agent string
	input string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		responses: make(map[string][]string),
		errors:    make(map[string]error),
	}
}

func (s *scriptedRunner) respond(agent string, texts ...string) {
	s.responses[agent] = append(s.responses[agent], texts...)
}

func (s *scriptedRunner) fail(agent string, err error) {
	s.errors[agent] = err
}

func (s *scriptedRunner) RunTurn(ctx context.Context, opts runner.TurnOptions) (*runner.TurnResult, error) {
	if ctx.Err() != nil {
		return nil, apperrors.Cancelled("agent turn")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, turnCall{agent: opts.Agent.Name, input: opts.Input})

	if err, ok := s.errors[opts.Agent.Name]; ok {
		return &runner.TurnResult{}, err
	}
	queue := s.responses[opts.Agent.Name]
	if len(queue) == 0 {
		return &runner.TurnResult{Text: "default:" + opts.Agent.Name}, nil
	}
	text := queue[0]
	s.responses[opts.Agent.Name] = queue[1:]
	return &runner.TurnResult{Text: text, Elapsed: time.Millisecond}, nil
}

func (s *scriptedRunner) inputsFor(agent string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inputs []string
	for _, c := range s.calls {
		if c.agent == agent {
			inputs = append(inputs, c.input)
		}
	}
	return inputs
}

// captureSink records published events.
type captureSink struct {
	mu     sync.Mutex
	events []v1.ExecutionEvent
}

func (c *captureSink) Publish(ev v1.ExecutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) typesFor(agent string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, ev := range c.events {
		if ev.AgentName == agent {
			types = append(types, ev.Type)
		}
	}
	return types
}

func newTestExecutor(s *scriptedRunner) *Executor {
	return NewExecutor(s, logger.Default())
}

func TestSequentialChainsOutputs(t *testing.T) {
	s := newScriptedRunner()
	s.respond("first", "ONE")
	s.respond("second", "TWO")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:   "b1",
		Type: v1.BlockTypeSequential,
		Task: "the task",
		Agents: []v1.Agent{
			{Name: "first", Role: v1.AgentRoleWorker},
			{Name: "second", Role: v1.AgentRoleWorker},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "the task", UserID: "u"})
	require.NoError(t, err)

	assert.Equal(t, "TWO", result.Output)
	require.Len(t, result.Turns, 2)

	secondInputs := s.inputsFor("second")
	require.Len(t, secondInputs, 1)
	assert.Contains(t, secondInputs[0], "the task")
	assert.Contains(t, secondInputs[0], "ONE")
}

func TestParallelLabeledConcatWithoutAggregator(t *testing.T) {
	s := newScriptedRunner()
	s.respond("w1", "alpha")
	s.respond("w2", "beta")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:   "b1",
		Type: v1.BlockTypeParallel,
		Task: "fan out",
		Agents: []v1.Agent{
			{Name: "w1", Role: v1.AgentRoleWorker},
			{Name: "w2", Role: v1.AgentRoleWorker},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "fan out", UserID: "u"})
	require.NoError(t, err)

	assert.Contains(t, result.Output, "--- w1 ---\nalpha")
	assert.Contains(t, result.Output, "--- w2 ---\nbeta")
	// Document order regardless of completion order.
	assert.Less(t, strings.Index(result.Output, "w1"), strings.Index(result.Output, "w2"))
}

func TestParallelAggregatorSeesLabeledOutputs(t *testing.T) {
	s := newScriptedRunner()
	s.respond("w1", "alpha")
	s.respond("w2", "beta")
	s.respond("agg", "MERGED")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:         "b1",
		Type:       v1.BlockTypeParallel,
		Task:       "fan out",
		Aggregator: "agg",
		Agents: []v1.Agent{
			{Name: "agg", Role: v1.AgentRoleWorker},
			{Name: "w1", Role: v1.AgentRoleWorker},
			{Name: "w2", Role: v1.AgentRoleWorker},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "fan out", UserID: "u"})
	require.NoError(t, err)

	assert.Equal(t, "MERGED", result.Output)
	aggInputs := s.inputsFor("agg")
	require.Len(t, aggInputs, 1)
	assert.Contains(t, aggInputs[0], "--- w1 ---\nalpha")
	assert.Contains(t, aggInputs[0], "--- w2 ---\nbeta")
	require.Len(t, result.Turns, 3, "workers then aggregator")
	assert.Equal(t, "agg", result.Turns[2].AgentName)
}

func TestParallelWorkerFailureFailsBlock(t *testing.T) {
	s := newScriptedRunner()
	s.respond("w1", "fine")
	s.fail("w2", apperrors.AgentFailed("w2", 1, "crash"))
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:   "b1",
		Type: v1.BlockTypeParallel,
		Task: "t",
		Agents: []v1.Agent{
			{Name: "w1", Role: v1.AgentRoleWorker},
			{Name: "w2", Role: v1.AgentRoleWorker},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "t", UserID: "u"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAgentFailed, apperrors.CodeOf(err))
	assert.NotEmpty(t, result.Error)
}

func TestHierarchicalDelegateAndSynthesize(t *testing.T) {
	s := newScriptedRunner()
	s.respond("boss", "DELEGATION", "SYNTHESIS")
	s.respond("w1", "part one")
	s.respond("w2", "part two")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:   "b1",
		Type: v1.BlockTypeHierarchical,
		Task: "build it",
		Agents: []v1.Agent{
			{Name: "boss", Role: v1.AgentRoleManager},
			{Name: "w1", Role: v1.AgentRoleWorker},
			{Name: "w2", Role: v1.AgentRoleWorker},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "build it", UserID: "u"})
	require.NoError(t, err)

	assert.Equal(t, "SYNTHESIS", result.Output)

	// Workers received the manager's delegation text.
	for _, w := range []string{"w1", "w2"} {
		inputs := s.inputsFor(w)
		require.Len(t, inputs, 1)
		assert.Contains(t, inputs[0], "DELEGATION")
	}
	// Synthesis turn saw labeled worker outputs.
	bossInputs := s.inputsFor("boss")
	require.Len(t, bossInputs, 2)
	assert.Contains(t, bossInputs[1], "--- w1 ---\npart one")
	assert.Contains(t, bossInputs[1], "--- w2 ---\npart two")
}

func TestHierarchicalMultipleRounds(t *testing.T) {
	s := newScriptedRunner()
	s.respond("boss", "D1", "S1", "D2", "S2")
	s.respond("w1", "r1", "r2")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:     "b1",
		Type:   v1.BlockTypeHierarchical,
		Task:   "iterate",
		Rounds: 2,
		Agents: []v1.Agent{
			{Name: "boss", Role: v1.AgentRoleManager},
			{Name: "w1", Role: v1.AgentRoleWorker},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "iterate", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "S2", result.Output)

	bossInputs := s.inputsFor("boss")
	require.Len(t, bossInputs, 4)
	// Round two starts from round one's synthesis.
	assert.Contains(t, bossInputs[2], "S1")
}

func TestDebateRoundsAndModerator(t *testing.T) {
	s := newScriptedRunner()
	s.respond("pro", "pro-r1", "pro-r2")
	s.respond("con", "con-r1", "con-r2")
	s.respond("mod", "VERDICT")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:     "b1",
		Type:   v1.BlockTypeDebate,
		Task:   "topic",
		Rounds: 2,
		Agents: []v1.Agent{
			{Name: "pro", Role: v1.AgentRoleWorker},
			{Name: "con", Role: v1.AgentRoleWorker},
			{Name: "mod", Role: v1.AgentRoleModerator},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "topic", UserID: "u"})
	require.NoError(t, err)

	assert.Equal(t, "VERDICT", result.Output)

	// Round two debaters saw round one's utterances.
	proInputs := s.inputsFor("pro")
	require.Len(t, proInputs, 2)
	assert.Contains(t, proInputs[1], "pro-r1")
	assert.Contains(t, proInputs[1], "con-r1")

	// Moderator saw the full transcript.
	modInputs := s.inputsFor("mod")
	require.Len(t, modInputs, 1)
	for _, utterance := range []string{"pro-r1", "con-r1", "pro-r2", "con-r2"} {
		assert.Contains(t, modInputs[0], utterance)
	}
}

func TestDebateWithoutModeratorReturnsTranscript(t *testing.T) {
	s := newScriptedRunner()
	s.respond("pro", "yes")
	s.respond("con", "no")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:     "b1",
		Type:   v1.BlockTypeDebate,
		Task:   "topic",
		Rounds: 1,
		Agents: []v1.Agent{
			{Name: "pro", Role: v1.AgentRoleWorker},
			{Name: "con", Role: v1.AgentRoleWorker},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "topic", UserID: "u"})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "--- pro ---\nyes")
	assert.Contains(t, result.Output, "--- con ---\nno")
}

func TestAgentScopedInputReachesOnlyNamedAgent(t *testing.T) {
	s := newScriptedRunner()
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:   "b1",
		Type: v1.BlockTypeParallel,
		Task: "t",
		Agents: []v1.Agent{
			{Name: "w1", Role: v1.AgentRoleWorker},
			{Name: "w2", Role: v1.AgentRoleWorker},
		},
	}
	_, err := e.Execute(context.Background(), Options{
		Block:       block,
		Input:       "t",
		AgentInputs: map[string]string{"w2": "secret context"},
		UserID:      "u",
	})
	require.NoError(t, err)

	assert.NotContains(t, s.inputsFor("w1")[0], "secret context")
	assert.Contains(t, s.inputsFor("w2")[0], "secret context")
}

func TestExecuteEmitsAgentEvents(t *testing.T) {
	s := newScriptedRunner()
	s.respond("solo", "answer")
	e := newTestExecutor(s)
	sink := &captureSink{}

	block := &v1.Block{
		ID:     "b1",
		Type:   v1.BlockTypeSequential,
		Task:   "t",
		Agents: []v1.Agent{{Name: "solo", Role: v1.AgentRoleWorker}},
	}
	_, err := e.Execute(context.Background(), Options{Block: block, Input: "t", UserID: "u", Sink: sink})
	require.NoError(t, err)

	types := sink.typesFor("solo")
	require.Len(t, types, 2)
	assert.Equal(t, v1.EventAgentStarted, types[0])
	assert.Equal(t, v1.EventAgentCompleted, types[1])
}

func TestExecuteRejectsInvalidBlock(t *testing.T) {
	e := newTestExecutor(newScriptedRunner())
	block := &v1.Block{ID: "b1", Type: v1.BlockTypeDebate, Rounds: 0,
		Agents: []v1.Agent{{Name: "a"}, {Name: "b"}}}
	_, err := e.Execute(context.Background(), Options{Block: block, Input: "t", UserID: "u"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRoutingSelectsSpecialists(t *testing.T) {
	s := newScriptedRunner()
	s.respond("gate", `{"selected_agents": ["db"], "reasoning": "database question"}`)
	s.respond("db", "use an index")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID:     "b1",
		Type:   v1.BlockTypeRouting,
		Task:   "my query is slow",
		Router: "gate",
		Agents: []v1.Agent{
			{Name: "gate", Role: v1.AgentRoleWorker},
			{Name: "db", Role: v1.AgentRoleSpecialist},
			{Name: "net", Role: v1.AgentRoleSpecialist},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "my query is slow", UserID: "u"})
	require.NoError(t, err)

	assert.Contains(t, result.Output, "Routing: database question")
	assert.Contains(t, result.Output, "--- db ---\nuse an index")
	assert.Empty(t, s.inputsFor("net"), "unselected specialist never runs")

	gateInputs := s.inputsFor("gate")
	require.Len(t, gateInputs, 1)
	assert.Contains(t, gateInputs[0], "db, net")
}

func TestRoutingRetriesOnceOnMalformedJSON(t *testing.T) {
	s := newScriptedRunner()
	s.respond("gate", "I think the db expert should handle this",
		`{"selected_agents": ["db"], "reasoning": "second try"}`)
	s.respond("db", "answer")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID: "b1", Type: v1.BlockTypeRouting, Task: "t", Router: "gate",
		Agents: []v1.Agent{
			{Name: "gate"}, {Name: "db", Role: v1.AgentRoleSpecialist},
		},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "t", UserID: "u"})
	require.NoError(t, err)

	gateInputs := s.inputsFor("gate")
	require.Len(t, gateInputs, 2)
	assert.Contains(t, gateInputs[1], "did not parse")
	assert.Contains(t, result.Output, "second try")
}

func TestRoutingUndecidedAfterRetry(t *testing.T) {
	s := newScriptedRunner()
	s.respond("gate", "nope", "still nope")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID: "b1", Type: v1.BlockTypeRouting, Task: "t", Router: "gate",
		Agents: []v1.Agent{
			{Name: "gate"}, {Name: "db", Role: v1.AgentRoleSpecialist},
		},
	}
	_, err := e.Execute(context.Background(), Options{Block: block, Input: "t", UserID: "u"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRoutingUndecided, apperrors.CodeOf(err))
}

func TestRoutingUnknownSelectionIsUndecided(t *testing.T) {
	s := newScriptedRunner()
	s.respond("gate",
		`{"selected_agents": ["ghost"], "reasoning": "r"}`,
		`{"selected_agents": ["ghost"], "reasoning": "r"}`)
	e := newTestExecutor(s)

	block := &v1.Block{
		ID: "b1", Type: v1.BlockTypeRouting, Task: "t", Router: "gate",
		Agents: []v1.Agent{
			{Name: "gate"}, {Name: "db", Role: v1.AgentRoleSpecialist},
		},
	}
	_, err := e.Execute(context.Background(), Options{Block: block, Input: "t", UserID: "u"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRoutingUndecided, apperrors.CodeOf(err))
}

func TestReflectionNormalizesSuggestions(t *testing.T) {
	s := newScriptedRunner()
	s.respond("critic", "Here you go:\n"+
		`{"suggestions": [{"block_id": "b0", "agent_name": "w1", "current_prompt": "old", "suggested_prompt": "new", "reasoning": "clearer"}]}`)
	e := newTestExecutor(s)

	block := &v1.Block{
		ID: "b1", Type: v1.BlockTypeReflection, Task: "reflect",
		Agents: []v1.Agent{{Name: "critic", Role: v1.AgentRoleReflector}},
	}
	summary := BuildDesignSummary([]v1.Block{*block}, nil)
	result, err := e.Execute(context.Background(), Options{Block: block, Input: summary, UserID: "u"})
	require.NoError(t, err)

	var envelope struct {
		Suggestions []PromptSuggestion `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Output), &envelope))
	require.Len(t, envelope.Suggestions, 1)
	assert.Equal(t, "new", envelope.Suggestions[0].SuggestedPrompt)

	// The reflector saw the design summary and the schema instruction.
	criticInputs := s.inputsFor("critic")
	require.Len(t, criticInputs, 1)
	assert.Contains(t, criticInputs[0], `"system_prompt"`)
	assert.Contains(t, criticInputs[0], "suggested_prompt")
}

func TestReflectionRawTextPassthrough(t *testing.T) {
	s := newScriptedRunner()
	s.respond("critic", "no structured output today")
	e := newTestExecutor(s)

	block := &v1.Block{
		ID: "b1", Type: v1.BlockTypeReflection, Task: "reflect",
		Agents: []v1.Agent{{Name: "critic", Role: v1.AgentRoleReflector}},
	}
	result, err := e.Execute(context.Background(), Options{Block: block, Input: "summary", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "no structured output today", result.Output)
}

func TestBuildDesignSummaryIncludesResults(t *testing.T) {
	blocks := []v1.Block{{
		ID: "b0", Type: v1.BlockTypeSequential, Task: "t",
		Agents: []v1.Agent{{Name: "a", SystemPrompt: "be brief"}},
	}}
	results := []v1.BlockResult{{BlockID: "b0", Output: fmt.Sprintf("out-%d", 1)}}

	summary := BuildDesignSummary(blocks, results)
	assert.Contains(t, summary, `"be brief"`)
	assert.Contains(t, summary, "out-1")
}
