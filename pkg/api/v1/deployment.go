package v1

import "time"

// DeploymentStatus is the activation state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusActive   DeploymentStatus = "active"
	DeploymentStatusInactive DeploymentStatus = "inactive"
)

// ScheduleKind selects how a deployment's schedule fires.
type ScheduleKind string

const (
	ScheduleKindCron     ScheduleKind = "cron"
	ScheduleKindInterval ScheduleKind = "interval"
)

// Schedule describes when a deployment fires without an external caller.
type Schedule struct {
	Kind ScheduleKind `json:"kind" binding:"required"`

	// Expression is a 5- or 6-field cron expression (kind=cron).
	Expression string `json:"expression,omitempty"`

	// Every and Unit define a fixed interval (kind=interval).
	// Unit is one of: seconds, minutes, hours, days.
	Every int    `json:"every,omitempty"`
	Unit  string `json:"unit,omitempty"`

	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	Enabled bool `json:"enabled"`
}

// Deployment binds a design to an HTTP endpoint path and an optional schedule.
type Deployment struct {
	ID              string           `json:"id"`
	DesignID        string           `json:"design_id"`
	Name            string           `json:"name"`
	EndpointPath    string           `json:"endpoint_path"`
	Status          DeploymentStatus `json:"status"`
	Schedule        *Schedule        `json:"schedule,omitempty"`
	ExecutionCount  int64            `json:"execution_count"`
	LastExecutionAt *time.Time       `json:"last_execution_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CreateDeploymentRequest registers a design under an endpoint path.
// EndpointPath must match ^/[A-Za-z0-9/_-]+$ and be unique.
type CreateDeploymentRequest struct {
	DesignID     string    `json:"design_id" binding:"required"`
	Name         string    `json:"name" binding:"required,max=255"`
	EndpointPath string    `json:"endpoint_path" binding:"required"`
	Schedule     *Schedule `json:"schedule,omitempty"`
}

// UpdateDeploymentRequest mutates a deployment. Schedule changes are
// applied to the scheduler before the row is committed.
type UpdateDeploymentRequest struct {
	Name         *string           `json:"name,omitempty" binding:"omitempty,max=255"`
	EndpointPath *string           `json:"endpoint_path,omitempty"`
	Status       *DeploymentStatus `json:"status,omitempty"`
	Schedule     *Schedule         `json:"schedule,omitempty"`
	ClearSchedule bool             `json:"clear_schedule,omitempty"`
}

// TriggerKind records what caused a deployment execution.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerAPI       TriggerKind = "api"
)

// ExecutionLogStatus is the lifecycle of a recorded run.
type ExecutionLogStatus string

const (
	ExecutionLogRunning   ExecutionLogStatus = "running"
	ExecutionLogCompleted ExecutionLogStatus = "completed"
	ExecutionLogFailed    ExecutionLogStatus = "failed"
)

// ExecutionLog is one recorded run of a deployment.
type ExecutionLog struct {
	ID           string             `json:"id"`
	DeploymentID string             `json:"deployment_id"`
	ExecutionID  string             `json:"execution_id"`
	Trigger      TriggerKind        `json:"trigger"`
	Status       ExecutionLogStatus `json:"status"`
	Input        string             `json:"input,omitempty"`
	Result       string             `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	DurationMS   int64              `json:"duration_ms,omitempty"`
}

// ExecuteDeploymentRequest triggers a deployment manually with free-form input.
type ExecuteDeploymentRequest struct {
	Input string `json:"input,omitempty"`
}

// DeploymentStats summarizes recorded runs for one deployment.
type DeploymentStats struct {
	DeploymentID  string  `json:"deployment_id"`
	TotalRuns     int64   `json:"total_runs"`
	FailedRuns    int64   `json:"failed_runs"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}
