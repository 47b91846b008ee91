// Package instance manages long-lived interactive CLI sessions: one
// PTY-attached subprocess per instance, a single reader pipeline feeding
// logs, metrics, and subscriber streams, and a small state machine
// (starting → ready ↔ running, running → interrupted → ready, any live
// state → stopped | failed).
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/internal/common/config"
	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/credentials"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// InstanceStore persists instance records.
type InstanceStore interface {
	Create(ctx context.Context, inst *v1.Instance) error
	Get(ctx context.Context, id string) (*v1.Instance, error)
	List(ctx context.Context) ([]*v1.Instance, error)
	ListByWorkflow(ctx context.Context, workflowID string, status v1.InstanceStatus) ([]*v1.Instance, error)
	UpdateStatus(ctx context.Context, id string, status v1.InstanceStatus, errMsg string) error
	UpdateMetrics(ctx context.Context, id string, metrics v1.InstanceMetrics) error
}

// LogStore persists the append-only event log.
type LogStore interface {
	Append(ctx context.Context, log *v1.InstanceLog) error
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]*v1.InstanceLog, error)
}

// CredentialSource resolves per-user CLI credentials.
type CredentialSource interface {
	EnsureCredentials(ctx context.Context, userID string) (*credentials.Credentials, func(), error)
}

// WorkspaceSource provisions and removes persistent workflow clones.
type WorkspaceSource interface {
	EnsureWorkflowClone(ctx context.Context, gitRepo, branch, workflowID, userID string) (string, error)
	Cleanup(path string) error
}

// Manager owns the session registry.
type Manager struct {
	instances   InstanceStore
	logs        LogStore
	creds       CredentialSource
	workspaces  WorkspaceSource
	cli         config.CLIConfig
	cfg         config.InstanceConfig
	logger      *logger.Logger
	startProc   StartProcessFunc
	onSpawn     func(instanceID string)

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager. startProc may be nil to use the platform
// PTY implementation.
func NewManager(instances InstanceStore, logs LogStore, creds CredentialSource, workspaces WorkspaceSource, cli config.CLIConfig, cfg config.InstanceConfig, startProc StartProcessFunc, log *logger.Logger) *Manager {
	if startProc == nil {
		startProc = StartPTYProcess
	}
	return &Manager{
		instances:  instances,
		logs:       logs,
		creds:      creds,
		workspaces: workspaces,
		cli:        cli,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "instance")),
		startProc:  startProc,
		sessions:   make(map[string]*session),
	}
}

// OnSpawn registers a callback invoked for every newly spawned
// instance, typically to attach an event mirror. Must be set before
// the first Spawn call.
func (m *Manager) OnSpawn(fn func(instanceID string)) {
	m.onSpawn = fn
}

// Spawn provisions a workspace, resolves credentials, forks the CLI
// under a PTY, and registers the instance in the starting state. The
// instance becomes ready when the CLI emits its ready marker.
func (m *Manager) Spawn(ctx context.Context, req v1.CreateInstanceRequest, userID string) (*v1.Instance, error) {
	instanceID := uuid.New().String()

	path, err := m.workspaces.EnsureWorkflowClone(ctx, req.GitRepo, req.Branch, req.WorkflowID, userID)
	if err != nil {
		return nil, err
	}

	creds, release, err := m.creds.EnsureCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Profile mode serializes credential-file write + spawn; release as
	// soon as the subprocess holds its environment.
	defer release()

	args := append([]string{}, m.cli.Args...)
	profileMode := creds.Mode == v1.CredentialModeProfile
	if !profileMode {
		args = append(args, "--output-format", "stream-json")
	}

	handle, err := m.startProc(ctx, ProcessSpec{
		Binary: m.cli.Binary,
		Args:   args,
		Dir:    path,
		Env:    creds.Env(),
		Cols:   80,
		Rows:   24,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "start instance subprocess")
	}

	now := time.Now().UTC()
	inst := &v1.Instance{
		ID:            instanceID,
		WorkflowID:    req.WorkflowID,
		UserID:        userID,
		Status:        v1.InstanceStatusStarting,
		WorkspacePath: path,
		GitRepo:       req.GitRepo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.instances.Create(ctx, inst); err != nil {
		_ = handle.Kill()
		_ = handle.Close()
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:            instanceID,
		workflowID:    req.WorkflowID,
		userID:        userID,
		workspacePath: path,
		profileMode:   profileMode,
		mgr:           m,
		handle:        handle,
		bcast:         newBroadcaster(instanceID, m.cfg.SubscriberBuffer),
		ready:         newReadyDetector(m.cfg.ReadyPattern, 80, 24),
		cancel:        cancel,
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
		status:        v1.InstanceStatusStarting,
	}

	m.mu.Lock()
	m.sessions[instanceID] = sess
	m.mu.Unlock()

	go sess.readLoop(sessCtx)
	go sess.coalesceLoop(sessCtx, m.cfg.CoalesceIntervalDuration())

	if m.onSpawn != nil {
		m.onSpawn(instanceID)
	}

	m.logger.Info("spawned instance",
		zap.String("instance_id", instanceID),
		zap.String("workflow_id", req.WorkflowID),
		zap.Bool("profile_mode", profileMode))
	return inst, nil
}

func (m *Manager) session(instanceID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[instanceID]
	if !ok {
		return nil, apperrors.NotFound("instance", instanceID)
	}
	return sess, nil
}

// Send writes a prompt to the PTY. The first write moves ready → running.
func (m *Manager) Send(ctx context.Context, instanceID, content string) error {
	sess, err := m.session(instanceID)
	if err != nil {
		return err
	}

	switch sess.Status() {
	case v1.InstanceStatusReady, v1.InstanceStatusRunning:
	default:
		return apperrors.Conflict("instance is not ready for input")
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	data := []byte(content)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	if _, err := sess.handle.Write(data); err != nil {
		return apperrors.Wrap(err, "write to instance")
	}
	sess.transition(v1.InstanceStatusRunning, "")
	return nil
}

// Interrupt signals the subprocess. A subprocess that quiesces within
// the grace window returns to ready; one that dies is killed off and the
// instance fails.
func (m *Manager) Interrupt(ctx context.Context, instanceID string) error {
	sess, err := m.session(instanceID)
	if err != nil {
		return err
	}
	if sess.Status() != v1.InstanceStatusRunning {
		return apperrors.Conflict("instance is not running")
	}

	if err := sess.handle.Interrupt(); err != nil {
		return apperrors.Wrap(err, "interrupt instance")
	}
	sess.transition(v1.InstanceStatusInterrupted, "")

	go m.awaitQuiesce(sess)
	return nil
}

// awaitQuiesce watches an interrupted session: output going quiet while
// the subprocess lives means it is back at its prompt; exit or continued
// chatter past the grace window means it did not survive the interrupt.
func (m *Manager) awaitQuiesce(sess *session) {
	grace := m.cfg.InterruptGraceDuration()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-sess.exited:
			// Died under the interrupt.
			return
		case <-ticker.C:
			if sess.Status() != v1.InstanceStatusInterrupted {
				return
			}
			if sess.sinceLastOutput() >= 200*time.Millisecond {
				sess.transition(v1.InstanceStatusReady, "")
				return
			}
		}
	}

	_ = sess.handle.Kill()
	sess.transition(v1.InstanceStatusFailed, "did not quiesce after interrupt")
}

// Stop terminates an instance and removes its workspace.
func (m *Manager) Stop(ctx context.Context, instanceID string) error {
	sess, err := m.session(instanceID)
	if err != nil {
		return err
	}

	sess.stateMu.Lock()
	sess.stopRequested = true
	sess.stateMu.Unlock()

	_ = sess.handle.Interrupt()

	grace := m.cfg.InterruptGraceDuration()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, grace)
	err = sess.handle.Wait(waitCtx)
	cancel()
	if err != nil {
		_ = sess.handle.Kill()
	}
	_ = sess.handle.Close()
	sess.cancel()

	select {
	case <-sess.exited:
	case <-time.After(2 * time.Second):
	}

	if sess.workspacePath != "" {
		if cleanErr := m.workspaces.Cleanup(sess.workspacePath); cleanErr != nil {
			m.logger.Warn("workspace cleanup failed",
				zap.String("instance_id", instanceID), zap.Error(cleanErr))
		}
	}

	m.mu.Lock()
	delete(m.sessions, instanceID)
	m.mu.Unlock()

	m.logger.Info("stopped instance", zap.String("instance_id", instanceID))
	return nil
}

// Subscribe attaches a live event stream to an instance.
func (m *Manager) Subscribe(instanceID string) (<-chan v1.InstanceEvent, func(), error) {
	sess, err := m.session(instanceID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sess.bcast.subscribe()
	return ch, cancel, nil
}

// Get returns the instance record with live status and metrics when the
// session is still registered.
func (m *Manager) Get(ctx context.Context, instanceID string) (*v1.Instance, error) {
	inst, err := m.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	sess, live := m.sessions[instanceID]
	m.mu.Unlock()
	if live {
		inst.Status = sess.Status()
		inst.Metrics = sess.Metrics()
	}
	return inst, nil
}

// List returns all instance records.
func (m *Manager) List(ctx context.Context) ([]*v1.Instance, error) {
	return m.instances.List(ctx)
}

// ListByWorkflow returns a workflow's instances, optionally filtered by
// status.
func (m *Manager) ListByWorkflow(ctx context.Context, workflowID string, status v1.InstanceStatus) ([]*v1.Instance, error) {
	return m.instances.ListByWorkflow(ctx, workflowID, status)
}

// Logs returns an instance's observed event log.
func (m *Manager) Logs(ctx context.Context, instanceID string, limit int) ([]*v1.InstanceLog, error) {
	return m.logs.ListByInstance(ctx, instanceID, limit)
}

// Resize adjusts a live instance's terminal dimensions.
func (m *Manager) Resize(instanceID string, cols, rows uint16) error {
	sess, err := m.session(instanceID)
	if err != nil {
		return err
	}
	return sess.handle.Resize(cols, rows)
}

// Shutdown stops every live session. Used at service stop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("shutdown stop failed", zap.String("instance_id", id), zap.Error(err))
		}
	}
}
