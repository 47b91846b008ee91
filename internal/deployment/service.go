package deployment

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/orchestration/dag"
	"github.com/ensembleai/ensemble/internal/store"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// endpointPathRe is the write-time shape for endpoint paths; dispatch is
// an exact string match, so nothing else ever resolves.
var endpointPathRe = regexp.MustCompile(`^/[A-Za-z0-9/_-]+$`)

// schedulerUser attributes scheduled and dispatched runs when no caller
// identity exists.
const schedulerUser = "default"

// DesignSource resolves the design a deployment points at.
type DesignSource interface {
	Get(ctx context.Context, id string) (*v1.Design, error)
}

// Execution is a started run that can be waited on.
type Execution interface {
	ExecutionID() string
	Wait(ctx context.Context) (*v1.ExecutionResult, error)
}

// Runner starts design executions.
type Runner interface {
	StartDesign(design *v1.Design, initialTask, userID string) (Execution, error)
}

// managerRunner adapts the execution manager to the Runner seam.
type managerRunner struct{ m *dag.Manager }

// NewManagerRunner wraps the execution manager for deployment runs.
func NewManagerRunner(m *dag.Manager) Runner { return managerRunner{m} }

func (r managerRunner) StartDesign(design *v1.Design, initialTask, userID string) (Execution, error) {
	exec, err := r.m.StartDesign(design, initialTask, userID)
	if err != nil {
		return nil, err
	}
	return managerExecution{exec}, nil
}

type managerExecution struct{ *dag.Execution }

func (e managerExecution) ExecutionID() string { return e.Execution.ID }

// Service owns deployment CRUD, manual execution, scheduled fires, and
// dynamic dispatch. Schedule mutations are transactional against the
// scheduler: a row change that the scheduler refuses is rolled back.
type Service struct {
	deployments store.DeploymentRepository
	designs     DesignSource
	logs        store.ExecutionLogRepository
	runner      Runner
	scheduler   *Scheduler
	logger      *logger.Logger
}

// NewService wires a Service; the scheduler's fire function must be
// bound to the returned service via BindScheduler or construction order.
func NewService(deployments store.DeploymentRepository, designs DesignSource, logs store.ExecutionLogRepository, runner Runner, log *logger.Logger) *Service {
	return &Service{
		deployments: deployments,
		designs:     designs,
		logs:        logs,
		runner:      runner,
		logger:      log.WithFields(zap.String("component", "deployment")),
	}
}

// BindScheduler attaches the scheduler after construction; the fire
// callback closes over the service, so the two reference each other.
func (s *Service) BindScheduler(sched *Scheduler) {
	s.scheduler = sched
}

// Fire runs one scheduled fire. Deployments that went inactive or lost
// their schedule between registration and fire are skipped.
func (s *Service) Fire(deploymentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	dep, err := s.deployments.Get(ctx, deploymentID)
	if err != nil {
		s.logger.Warn("scheduled fire for unknown deployment",
			zap.String("deployment_id", deploymentID), zap.Error(err))
		return
	}
	if dep.Status != v1.DeploymentStatusActive || dep.Schedule == nil || !dep.Schedule.Enabled {
		return
	}
	if _, _, err := s.run(ctx, dep, v1.TriggerScheduled, ""); err != nil {
		s.logger.Warn("scheduled run failed",
			zap.String("deployment_id", deploymentID), zap.Error(err))
	}
}

// RestoreSchedules registers every persisted active schedule. Called once
// at startup before Scheduler.Start.
func (s *Service) RestoreSchedules(ctx context.Context) error {
	deps, err := s.deployments.ListScheduled(ctx)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if err := s.scheduler.Register(dep); err != nil {
			s.logger.Warn("skipping unregistrable schedule",
				zap.String("deployment_id", dep.ID), zap.Error(err))
		}
	}
	return nil
}

// Create registers a design under an endpoint path.
func (s *Service) Create(ctx context.Context, req v1.CreateDeploymentRequest) (*v1.Deployment, error) {
	if !endpointPathRe.MatchString(req.EndpointPath) {
		return nil, apperrors.ValidationError("endpoint_path", "must match ^/[A-Za-z0-9/_-]+$")
	}
	if err := ValidateSchedule(req.Schedule); err != nil {
		return nil, err
	}
	if _, err := s.designs.Get(ctx, req.DesignID); err != nil {
		return nil, err
	}

	dep := &v1.Deployment{
		DesignID:     req.DesignID,
		Name:         req.Name,
		EndpointPath: req.EndpointPath,
		Status:       v1.DeploymentStatusActive,
		Schedule:     req.Schedule,
	}
	if err := s.deployments.Create(ctx, dep); err != nil {
		return nil, err
	}

	if err := s.scheduler.Register(dep); err != nil {
		// The row must not outlive a schedule the scheduler refused.
		if delErr := s.deployments.Delete(ctx, dep.ID); delErr != nil {
			s.logger.Warn("rollback delete failed",
				zap.String("deployment_id", dep.ID), zap.Error(delErr))
		}
		return nil, err
	}

	s.logger.Info("created deployment",
		zap.String("deployment_id", dep.ID),
		zap.String("endpoint_path", dep.EndpointPath))
	return dep, nil
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, id string) (*v1.Deployment, error) {
	return s.deployments.Get(ctx, id)
}

// List returns all deployments.
func (s *Service) List(ctx context.Context) ([]*v1.Deployment, error) {
	return s.deployments.List(ctx)
}

// Update mutates a deployment; schedule and status changes propagate to
// the scheduler, rolling the row back if registration fails.
func (s *Service) Update(ctx context.Context, id string, req v1.UpdateDeploymentRequest) (*v1.Deployment, error) {
	dep, err := s.deployments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := *dep
	prevSchedule := dep.Schedule

	if req.Name != nil {
		dep.Name = *req.Name
	}
	if req.EndpointPath != nil {
		if !endpointPathRe.MatchString(*req.EndpointPath) {
			return nil, apperrors.ValidationError("endpoint_path", "must match ^/[A-Za-z0-9/_-]+$")
		}
		dep.EndpointPath = *req.EndpointPath
	}
	if req.Status != nil {
		switch *req.Status {
		case v1.DeploymentStatusActive, v1.DeploymentStatusInactive:
		default:
			return nil, apperrors.ValidationError("status", "must be active or inactive")
		}
		dep.Status = *req.Status
	}
	if req.ClearSchedule {
		dep.Schedule = nil
	} else if req.Schedule != nil {
		if err := ValidateSchedule(req.Schedule); err != nil {
			return nil, err
		}
		dep.Schedule = req.Schedule
	}

	if err := s.deployments.Update(ctx, dep); err != nil {
		return nil, err
	}

	if err := s.scheduler.Register(dep); err != nil {
		prev.Schedule = prevSchedule
		if rbErr := s.deployments.Update(ctx, &prev); rbErr != nil {
			s.logger.Warn("rollback update failed",
				zap.String("deployment_id", id), zap.Error(rbErr))
		}
		return nil, err
	}
	return dep, nil
}

// Delete removes a deployment and its schedule entry.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.deployments.Delete(ctx, id); err != nil {
		return err
	}
	s.scheduler.Unregister(id)
	return nil
}

// Execute triggers a deployment manually.
func (s *Service) Execute(ctx context.Context, id string, req v1.ExecuteDeploymentRequest) (*v1.ExecutionResult, *v1.ExecutionLog, error) {
	dep, err := s.deployments.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return s.run(ctx, dep, v1.TriggerManual, req.Input)
}

// Dispatch resolves an endpoint path and runs the deployment behind it.
// Unknown paths are not found; inactive deployments conflict.
func (s *Service) Dispatch(ctx context.Context, path, input string) (*v1.ExecutionResult, *v1.ExecutionLog, error) {
	dep, err := s.deployments.GetByEndpointPath(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if dep.Status != v1.DeploymentStatusActive {
		return nil, nil, apperrors.Conflict("deployment " + dep.ID + " is inactive")
	}
	return s.run(ctx, dep, v1.TriggerAPI, input)
}

// Logs returns recorded runs for a deployment, newest first.
func (s *Service) Logs(ctx context.Context, deploymentID string, limit int) ([]*v1.ExecutionLog, error) {
	if _, err := s.deployments.Get(ctx, deploymentID); err != nil {
		return nil, err
	}
	return s.logs.ListByDeployment(ctx, deploymentID, limit)
}

// Stats summarizes recorded runs for a deployment.
func (s *Service) Stats(ctx context.Context, deploymentID string) (*v1.DeploymentStats, error) {
	if _, err := s.deployments.Get(ctx, deploymentID); err != nil {
		return nil, err
	}
	return s.logs.Stats(ctx, deploymentID)
}

// run is the one execution path shared by manual triggers, dynamic
// dispatch, and scheduled fires: record running, execute the design
// synchronously, complete the record, bump the counter.
func (s *Service) run(ctx context.Context, dep *v1.Deployment, trigger v1.TriggerKind, input string) (*v1.ExecutionResult, *v1.ExecutionLog, error) {
	design, err := s.designs.Get(ctx, dep.DesignID)
	if err != nil {
		return nil, nil, err
	}

	logEntry := &v1.ExecutionLog{
		DeploymentID: dep.ID,
		Trigger:      trigger,
		Status:       v1.ExecutionLogRunning,
		Input:        input,
	}

	exec, err := s.runner.StartDesign(design, input, schedulerUser)
	if err != nil {
		return nil, nil, err
	}
	logEntry.ExecutionID = exec.ExecutionID()
	if createErr := s.logs.Create(ctx, logEntry); createErr != nil {
		s.logger.Warn("record run start failed",
			zap.String("deployment_id", dep.ID), zap.Error(createErr))
	}

	result, err := exec.Wait(ctx)
	if err != nil {
		_ = s.logs.Complete(ctx, logEntry.ID, v1.ExecutionLogFailed, "", err.Error())
		return nil, logEntry, err
	}

	now := time.Now().UTC()
	if result.Status == "failed" {
		_ = s.logs.Complete(ctx, logEntry.ID, v1.ExecutionLogFailed, result.Output, result.Error)
	} else {
		_ = s.logs.Complete(ctx, logEntry.ID, v1.ExecutionLogCompleted, result.Output, "")
	}
	if incErr := s.deployments.IncrementExecution(ctx, dep.ID, now); incErr != nil {
		s.logger.Warn("increment execution failed",
			zap.String("deployment_id", dep.ID), zap.Error(incErr))
	}

	s.logger.Info("deployment run finished",
		zap.String("deployment_id", dep.ID),
		zap.String("trigger", string(trigger)),
		zap.String("status", result.Status))
	return result, logEntry, nil
}
