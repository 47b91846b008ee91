// Package dag executes composite designs: it orders blocks
// topologically, routes data along block- and agent-level edges,
// provisions workspaces, and streams progress through per-execution
// event hubs. Executions run asynchronously and are cancellable by id.
package dag

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/orchestration"
	"github.com/ensembleai/ensemble/internal/orchestration/events"
	"github.com/ensembleai/ensemble/internal/orchestration/patterns"
	"github.com/ensembleai/ensemble/internal/orchestration/runner"
	"github.com/ensembleai/ensemble/internal/telemetry"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// BlockExecutor runs one block. Implemented by patterns.Executor.
type BlockExecutor interface {
	Execute(ctx context.Context, opts patterns.Options) (*v1.BlockResult, error)
}

// Provisioner creates and destroys execution workspaces. Implemented by
// workspace.Provisioner.
type Provisioner interface {
	ProvisionShared(ctx context.Context, gitRepo, executionID, userID string) (string, error)
	ProvisionIsolated(ctx context.Context, gitRepo, executionID string, agentNames []string, userID string) (string, map[string]string, error)
	IsolatedParent(executionID string) string
	SharedPath(executionID string) string
	Cleanup(path string) error
}

// Execution is one in-flight or finished design run.
type Execution struct {
	ID        string
	DesignID  string
	UserID    string
	StartedAt time.Time

	Hub    *events.Hub
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	result    *v1.ExecutionResult
	workspace *v1.WorkspaceInfo
}

// Result returns the terminal result, or nil while the execution runs.
func (e *Execution) Result() *v1.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Wait blocks until the execution finishes or ctx is done.
func (e *Execution) Wait(ctx context.Context) (*v1.ExecutionResult, error) {
	select {
	case <-e.done:
		return e.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Execution) setResult(result *v1.ExecutionResult) {
	e.mu.Lock()
	e.result = result
	e.mu.Unlock()
}

func (e *Execution) setWorkspaceInfo(info *v1.WorkspaceInfo) {
	e.mu.Lock()
	e.workspace = info
	e.mu.Unlock()
}

// WorkspaceInfo returns the isolated workspace layout, when one was
// provisioned.
func (e *Execution) WorkspaceInfo() *v1.WorkspaceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workspace
}

// Manager owns the execution registry.
type Manager struct {
	executor    BlockExecutor
	provisioner Provisioner
	logger      *logger.Logger
	bufferSize  int
	onStart     func(*Execution)

	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewManager creates a Manager. bufferSize <= 0 selects the hub default.
func NewManager(executor BlockExecutor, provisioner Provisioner, bufferSize int, log *logger.Logger) *Manager {
	return &Manager{
		executor:    executor,
		provisioner: provisioner,
		logger:      log.WithFields(zap.String("component", "dag")),
		bufferSize:  bufferSize,
		executions:  make(map[string]*Execution),
	}
}

// OnStart registers a callback invoked for every newly registered
// execution before its run loop begins, typically to attach an event
// mirror. Must be set before the first Start call.
func (m *Manager) OnStart(fn func(*Execution)) {
	m.onStart = fn
}

// StartDesign validates the design and launches its execution
// asynchronously. The returned Execution exposes the event hub for
// streaming and Wait for synchronous callers.
func (m *Manager) StartDesign(design *v1.Design, initialTask, userID string) (*Execution, error) {
	if err := orchestration.ValidateDesign(design.Blocks, design.Connections); err != nil {
		return nil, err
	}
	order, err := orchestration.TopoSort(design.Blocks, design.Connections)
	if err != nil {
		return nil, err
	}

	exec := m.register(design.ID, userID)
	go m.run(exec, design, order, initialTask)
	return exec, nil
}

// StartBlock launches an ad hoc single-block execution.
func (m *Manager) StartBlock(block *v1.Block, userID string) (*Execution, error) {
	if err := orchestration.ValidateBlock(block); err != nil {
		return nil, err
	}
	design := &v1.Design{Blocks: []v1.Block{*block}}
	exec := m.register("", userID)
	go m.run(exec, design, []string{block.ID}, block.Task)
	return exec, nil
}

// Get returns a registered execution.
func (m *Manager) Get(executionID string) (*Execution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	return exec, ok
}

// Cancel aborts a running execution. Finished executions return NotFound
// only when the id was never registered; cancelling a finished execution
// is a no-op.
func (m *Manager) Cancel(executionID string) error {
	exec, ok := m.Get(executionID)
	if !ok {
		return apperrors.NotFound("execution", executionID)
	}
	exec.cancel()
	return nil
}

func (m *Manager) register(designID, userID string) *Execution {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &Execution{
		ID:        uuid.New().String(),
		DesignID:  designID,
		UserID:    userID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	exec.Hub = events.NewHub(exec.ID, m.bufferSize)
	exec.runCtx = ctx

	m.mu.Lock()
	m.executions[exec.ID] = exec
	m.mu.Unlock()

	if m.onStart != nil {
		m.onStart(exec)
	}
	return exec
}

// run drives one execution to completion. It always emits a terminal
// event, closes the hub, and cleans provisioned workspaces.
func (m *Manager) run(exec *Execution, design *v1.Design, order []string, initialTask string) {
	defer close(exec.done)

	ctx, span := telemetry.StartExecutionSpan(exec.runCtx, exec.ID, design.ID)
	defer span.End()

	result := &v1.ExecutionResult{
		ExecutionID: exec.ID,
		StartedAt:   exec.StartedAt,
	}

	var cleanupPaths []string
	defer func() {
		for _, path := range cleanupPaths {
			if err := m.provisioner.Cleanup(path); err != nil {
				m.logger.Warn("workspace cleanup failed",
					zap.String("execution_id", exec.ID),
					zap.String("path", path),
					zap.Error(err))
			}
		}
	}()

	byID := make(map[string]*v1.Block, len(design.Blocks))
	for i := range design.Blocks {
		byID[design.Blocks[i].ID] = &design.Blocks[i]
	}

	flow := newDataFlow(design.Connections)
	var sharedPath string

	for _, blockID := range order {
		block := byID[blockID]

		exec.Hub.Publish(v1.ExecutionEvent{
			Type:      v1.EventBlockStarted,
			BlockID:   block.ID,
			BlockType: string(block.Type),
		})

		workspaces, provisioned, err := m.provisionBlock(ctx, exec, block, &sharedPath)
		cleanupPaths = append(cleanupPaths, provisioned...)
		if err != nil {
			m.finishFailed(exec, result, block.ID, err)
			return
		}

		input, agentInputs := flow.composeInput(block, initialTask)

		if block.Type == v1.BlockTypeReflection {
			// The reflector works from the design document plus whatever
			// has already run.
			input = patterns.BuildDesignSummary(design.Blocks, result.Blocks)
		}

		blockResult, err := m.executor.Execute(ctx, patterns.Options{
			Block:       block,
			Input:       input,
			AgentInputs: agentInputs,
			Workspaces:  workspaces,
			UserID:      exec.UserID,
			Sink:        exec.Hub,
		})
		if blockResult != nil {
			result.Blocks = append(result.Blocks, *blockResult)
		}
		if err != nil {
			m.finishFailed(exec, result, block.ID, err)
			return
		}

		flow.recordBlock(block.ID, blockResult)
		result.Output = blockResult.Output

		exec.Hub.Publish(v1.ExecutionEvent{
			Type:      v1.EventBlockCompleted,
			BlockID:   block.ID,
			BlockType: string(block.Type),
			Text:      blockResult.Output,
		})
	}

	result.Status = "completed"
	result.CompletedAt = time.Now().UTC()
	result.Workspace = exec.WorkspaceInfo()
	exec.setResult(result)
	exec.Hub.Publish(v1.ExecutionEvent{
		Type:   v1.EventExecutionCompleted,
		Result: result,
	})
	exec.Hub.Close()

	m.logger.Info("execution completed",
		zap.String("execution_id", exec.ID),
		zap.Int("blocks", len(result.Blocks)))
}

// provisionBlock prepares the workspaces a block's agents run in and
// emits workspace_info for isolated layouts. Returned paths are cleaned
// at execution end.
func (m *Manager) provisionBlock(ctx context.Context, exec *Execution, block *v1.Block, sharedPath *string) (map[string]*runner.WorkspaceRef, []string, error) {
	if block.IsolateAgentWorkspaces {
		names := make([]string, len(block.Agents))
		for i, agent := range block.Agents {
			names[i] = agent.Name
		}
		parent, paths, err := m.provisioner.ProvisionIsolated(ctx, block.GitRepo, exec.ID, names, exec.UserID)
		if err != nil {
			return nil, nil, err
		}

		info := &v1.WorkspaceInfo{ParentDir: parent, AgentPaths: paths}
		exec.Hub.Publish(v1.ExecutionEvent{
			Type:      v1.EventWorkspaceInfo,
			BlockID:   block.ID,
			Workspace: info,
		})
		exec.setWorkspaceInfo(info)

		refs := make(map[string]*runner.WorkspaceRef, len(paths))
		for name, path := range paths {
			refs[name] = &runner.WorkspaceRef{Path: path, Isolated: true, WorkflowID: exec.ID}
		}
		return refs, []string{parent}, nil
	}

	if block.GitRepo == "" {
		return nil, nil, nil
	}

	// One shared clone serves every non-isolated block of the execution.
	var provisioned []string
	if *sharedPath == "" {
		path, err := m.provisioner.ProvisionShared(ctx, block.GitRepo, exec.ID, exec.UserID)
		if err != nil {
			return nil, nil, err
		}
		*sharedPath = path
		provisioned = append(provisioned, path)
	}
	refs := make(map[string]*runner.WorkspaceRef, len(block.Agents))
	for _, agent := range block.Agents {
		refs[agent.Name] = &runner.WorkspaceRef{Path: *sharedPath, WorkflowID: exec.ID}
	}
	return refs, provisioned, nil
}

// finishFailed records the terminal failure, emits execution_failed, and
// closes the hub.
func (m *Manager) finishFailed(exec *Execution, result *v1.ExecutionResult, blockID string, err error) {
	reason := err.Error()
	kind := apperrors.CodeOf(err)
	if apperrors.IsCancelled(err) {
		kind = apperrors.ErrCodeCancelled
		reason = "cancelled"
	}

	result.Status = "failed"
	result.Error = reason
	result.CompletedAt = time.Now().UTC()
	exec.setResult(result)

	exec.Hub.Publish(v1.ExecutionEvent{
		Type:      v1.EventExecutionFailed,
		BlockID:   blockID,
		Error:     reason,
		ErrorKind: kind,
	})
	exec.Hub.Close()

	m.logger.Warn("execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("block_id", blockID),
		zap.String("kind", kind),
		zap.Error(err))
}
