package deployment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

type memDeployments struct {
	mu    sync.Mutex
	items map[string]*v1.Deployment
}

func newMemDeployments() *memDeployments {
	return &memDeployments{items: make(map[string]*v1.Deployment)}
}

func (m *memDeployments) Create(ctx context.Context, d *v1.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.EndpointPath == d.EndpointPath {
			return apperrors.EndpointConflict(d.EndpointPath)
		}
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *memDeployments) Get(ctx context.Context, id string) (*v1.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[id]
	if !ok {
		return nil, apperrors.NotFound("deployment", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDeployments) GetByEndpointPath(ctx context.Context, path string) (*v1.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.items {
		if d.EndpointPath == path {
			cp := *d
			return &cp, nil
		}
	}
	return nil, apperrors.EndpointNotFound(path)
}

func (m *memDeployments) List(ctx context.Context) ([]*v1.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*v1.Deployment
	for _, d := range m.items {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memDeployments) ListScheduled(ctx context.Context) ([]*v1.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*v1.Deployment
	for _, d := range m.items {
		if d.Status == v1.DeploymentStatusActive && d.Schedule != nil {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDeployments) Update(ctx context.Context, d *v1.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[d.ID]; !ok {
		return apperrors.NotFound("deployment", d.ID)
	}
	for id, existing := range m.items {
		if id != d.ID && existing.EndpointPath == d.EndpointPath {
			return apperrors.EndpointConflict(d.EndpointPath)
		}
	}
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *memDeployments) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return apperrors.NotFound("deployment", id)
	}
	delete(m.items, id)
	return nil
}

func (m *memDeployments) IncrementExecution(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.items[id]; ok {
		d.ExecutionCount++
		t := at
		d.LastExecutionAt = &t
	}
	return nil
}

type memExecLogs struct {
	mu    sync.Mutex
	items map[string]*v1.ExecutionLog
}

func newMemExecLogs() *memExecLogs {
	return &memExecLogs{items: make(map[string]*v1.ExecutionLog)}
}

func (m *memExecLogs) Create(ctx context.Context, log *v1.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	cp := *log
	m.items[log.ID] = &cp
	return nil
}

func (m *memExecLogs) Complete(ctx context.Context, id string, status v1.ExecutionLogStatus, result, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.items[id]
	if !ok {
		return apperrors.NotFound("execution log", id)
	}
	now := time.Now().UTC()
	log.Status = status
	log.Result = result
	log.Error = errMsg
	log.CompletedAt = &now
	log.DurationMS = now.Sub(log.StartedAt).Milliseconds()
	return nil
}

func (m *memExecLogs) Get(ctx context.Context, id string) (*v1.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.items[id]
	if !ok {
		return nil, apperrors.NotFound("execution log", id)
	}
	cp := *log
	return &cp, nil
}

func (m *memExecLogs) ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]*v1.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*v1.ExecutionLog
	for _, log := range m.items {
		if log.DeploymentID == deploymentID {
			cp := *log
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memExecLogs) Stats(ctx context.Context, deploymentID string) (*v1.DeploymentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &v1.DeploymentStats{DeploymentID: deploymentID}
	for _, log := range m.items {
		if log.DeploymentID != deploymentID {
			continue
		}
		stats.TotalRuns++
		if log.Status == v1.ExecutionLogFailed {
			stats.FailedRuns++
		}
	}
	return stats, nil
}

type fakeDesigns struct {
	designs map[string]*v1.Design
}

func (f *fakeDesigns) Get(ctx context.Context, id string) (*v1.Design, error) {
	d, ok := f.designs[id]
	if !ok {
		return nil, apperrors.NotFound("design", id)
	}
	return d, nil
}

type fakeExecution struct {
	id     string
	result *v1.ExecutionResult
}

func (e *fakeExecution) ExecutionID() string { return e.id }

func (e *fakeExecution) Wait(ctx context.Context) (*v1.ExecutionResult, error) {
	return e.result, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	started []string // design ids, in start order
	tasks   []string
	result  *v1.ExecutionResult
	err     error
}

func (r *fakeRunner) StartDesign(design *v1.Design, initialTask, userID string) (Execution, error) {
	r.mu.Lock()
	r.started = append(r.started, design.ID)
	r.tasks = append(r.tasks, initialTask)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	result := r.result
	if result == nil {
		result = &v1.ExecutionResult{ExecutionID: "exec-1", Status: "completed", Output: "done"}
	}
	return &fakeExecution{id: result.ExecutionID, result: result}, nil
}

type fixture struct {
	svc     *Service
	sched   *Scheduler
	deps    *memDeployments
	logs    *memExecLogs
	runner  *fakeRunner
	designs *fakeDesigns
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		deps:   newMemDeployments(),
		logs:   newMemExecLogs(),
		runner: &fakeRunner{},
		designs: &fakeDesigns{designs: map[string]*v1.Design{
			"design-1": {ID: "design-1", Name: "Summarizer", Blocks: []v1.Block{}},
		}},
	}
	f.svc = NewService(f.deps, f.designs, f.logs, f.runner, logger.Default())
	f.sched = NewScheduler(f.svc.Fire, time.Second, logger.Default())
	f.svc.BindScheduler(f.sched)
	return f
}

func validCreate() v1.CreateDeploymentRequest {
	return v1.CreateDeploymentRequest{
		DesignID:     "design-1",
		Name:         "summarize",
		EndpointPath: "/hooks/summarize",
	}
}

func TestCreateDeployment(t *testing.T) {
	f := newFixture(t)

	dep, err := f.svc.Create(context.Background(), validCreate())
	require.NoError(t, err)
	assert.NotEmpty(t, dep.ID)
	assert.Equal(t, v1.DeploymentStatusActive, dep.Status)
	assert.Empty(t, f.sched.Entries(), "no schedule, no entry")
}

func TestCreateRejectsBadEndpointPath(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"", "no-slash", "/spaces here", "/q?x=1", "/trail.", "/../etc"} {
		req := validCreate()
		req.EndpointPath = path
		_, err := f.svc.Create(context.Background(), req)
		require.Error(t, err, "path %q", path)
		assert.Equal(t, apperrors.ErrCodeValidationError, apperrors.CodeOf(err))
	}
}

func TestCreateRejectsUnknownDesign(t *testing.T) {
	f := newFixture(t)
	req := validCreate()
	req.DesignID = "missing"
	_, err := f.svc.Create(context.Background(), req)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestCreateDuplicateEndpointConflicts(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	req := validCreate()
	req.Name = "other"
	_, err = f.svc.Create(context.Background(), req)
	assert.Equal(t, apperrors.ErrCodeEndpointConflict, apperrors.CodeOf(err))
}

func TestCreateWithScheduleRegisters(t *testing.T) {
	f := newFixture(t)
	req := validCreate()
	req.Schedule = &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "0 * * * *", Enabled: true}

	dep, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{dep.ID}, f.sched.Entries())
}

func TestCreateRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	req := validCreate()
	req.Schedule = &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "not a cron", Enabled: true}

	_, err := f.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationError, apperrors.CodeOf(err))

	deps, _ := f.deps.List(context.Background())
	assert.Empty(t, deps, "invalid schedule must not leave a row behind")
}

func TestUpdatePropagatesToScheduler(t *testing.T) {
	f := newFixture(t)
	req := validCreate()
	req.Schedule = &v1.Schedule{Kind: v1.ScheduleKindInterval, Every: 5, Unit: "minutes", Enabled: true}
	dep, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, f.sched.Entries(), 1)

	// Deactivation drops the entry.
	inactive := v1.DeploymentStatusInactive
	_, err = f.svc.Update(context.Background(), dep.ID, v1.UpdateDeploymentRequest{Status: &inactive})
	require.NoError(t, err)
	assert.Empty(t, f.sched.Entries())

	// Reactivation restores it.
	active := v1.DeploymentStatusActive
	_, err = f.svc.Update(context.Background(), dep.ID, v1.UpdateDeploymentRequest{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, []string{dep.ID}, f.sched.Entries())

	// Clearing the schedule drops it for good.
	_, err = f.svc.Update(context.Background(), dep.ID, v1.UpdateDeploymentRequest{ClearSchedule: true})
	require.NoError(t, err)
	assert.Empty(t, f.sched.Entries())
}

func TestDeleteUnregisters(t *testing.T) {
	f := newFixture(t)
	req := validCreate()
	req.Schedule = &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "*/5 * * * *", Enabled: true}
	dep, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), dep.ID))
	assert.Empty(t, f.sched.Entries())

	_, err = f.svc.Get(context.Background(), dep.ID)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestExecuteRecordsRun(t *testing.T) {
	f := newFixture(t)
	dep, err := f.svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	result, logEntry, err := f.svc.Execute(context.Background(), dep.ID, v1.ExecuteDeploymentRequest{Input: "summarize this"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, []string{"summarize this"}, f.runner.tasks)

	stored, err := f.logs.Get(context.Background(), logEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionLogCompleted, stored.Status)
	assert.Equal(t, v1.TriggerManual, stored.Trigger)
	assert.Equal(t, "done", stored.Result)
	assert.Equal(t, "exec-1", stored.ExecutionID)

	got, err := f.svc.Get(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecutionCount)
	assert.NotNil(t, got.LastExecutionAt)
}

func TestExecuteFailedResult(t *testing.T) {
	f := newFixture(t)
	f.runner.result = &v1.ExecutionResult{
		ExecutionID: "exec-9", Status: "failed", Error: "agent exploded",
	}
	dep, err := f.svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	_, logEntry, err := f.svc.Execute(context.Background(), dep.ID, v1.ExecuteDeploymentRequest{})
	require.NoError(t, err)

	stored, err := f.logs.Get(context.Background(), logEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionLogFailed, stored.Status)
	assert.Equal(t, "agent exploded", stored.Error)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	dep, err := f.svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	result, logEntry, err := f.svc.Dispatch(context.Background(), "/hooks/summarize", "payload")
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)

	stored, err := f.logs.Get(context.Background(), logEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TriggerAPI, stored.Trigger)
	assert.Equal(t, "payload", stored.Input)

	_ = dep
}

func TestDispatchUnknownPath(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Dispatch(context.Background(), "/hooks/nothing", "")
	assert.Equal(t, apperrors.ErrCodeEndpointNotFound, apperrors.CodeOf(err))
}

func TestDispatchInactiveConflicts(t *testing.T) {
	f := newFixture(t)
	dep, err := f.svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	inactive := v1.DeploymentStatusInactive
	_, err = f.svc.Update(context.Background(), dep.ID, v1.UpdateDeploymentRequest{Status: &inactive})
	require.NoError(t, err)

	_, _, err = f.svc.Dispatch(context.Background(), "/hooks/summarize", "")
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
	assert.Empty(t, f.runner.started, "inactive deployments never run")
}

func TestFireSkipsDisabled(t *testing.T) {
	f := newFixture(t)
	req := validCreate()
	req.Schedule = &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "* * * * *", Enabled: true}
	dep, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	disabled := *req.Schedule
	disabled.Enabled = false
	_, err = f.svc.Update(context.Background(), dep.ID, v1.UpdateDeploymentRequest{Schedule: &disabled})
	require.NoError(t, err)

	f.svc.Fire(dep.ID)
	assert.Empty(t, f.runner.started)
}

func TestFireRunsScheduled(t *testing.T) {
	f := newFixture(t)
	req := validCreate()
	req.Schedule = &v1.Schedule{Kind: v1.ScheduleKindInterval, Every: 1, Unit: "hours", Enabled: true}
	dep, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	f.svc.Fire(dep.ID)
	require.Equal(t, []string{"design-1"}, f.runner.started)

	logs, err := f.svc.Logs(context.Background(), dep.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, v1.TriggerScheduled, logs[0].Trigger)
}

func TestRestoreSchedules(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/a", "/b"} {
		req := validCreate()
		req.EndpointPath = path
		req.Name = path
		req.Schedule = &v1.Schedule{Kind: v1.ScheduleKindCron, Expression: "0 0 * * *", Enabled: true}
		_, err := f.svc.Create(context.Background(), req)
		require.NoError(t, err)
	}

	// A fresh scheduler, as after restart.
	fresh := NewScheduler(f.svc.Fire, time.Second, logger.Default())
	f.svc.BindScheduler(fresh)
	require.NoError(t, f.svc.RestoreSchedules(context.Background()))
	assert.Len(t, fresh.Entries(), 2)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	dep, err := f.svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	_, _, err = f.svc.Execute(context.Background(), dep.ID, v1.ExecuteDeploymentRequest{})
	require.NoError(t, err)

	stats, err := f.svc.Stats(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(0), stats.FailedRuns)
}
