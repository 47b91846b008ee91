package v1

import "time"

// InstanceStatus is the lifecycle state of a long-lived CLI session.
// Valid transitions: starting → ready ↔ running, running → interrupted → ready,
// and any live state → stopped | failed.
type InstanceStatus string

const (
	InstanceStatusStarting    InstanceStatus = "starting"
	InstanceStatusReady       InstanceStatus = "ready"
	InstanceStatusRunning     InstanceStatus = "running"
	InstanceStatusInterrupted InstanceStatus = "interrupted"
	InstanceStatusStopped     InstanceStatus = "stopped"
	InstanceStatusFailed      InstanceStatus = "failed"
)

// InstanceMetrics aggregates usage over an instance's lifetime.
// Tokens and CostUSD obey the round-trip law: they equal the sums of the
// corresponding deltas over the instance's log.
type InstanceMetrics struct {
	Tokens     int64            `json:"tokens"`
	CostUSD    float64          `json:"cost_usd"`
	ToolCounts map[string]int64 `json:"tool_counts,omitempty"`
	WallTimeMS int64            `json:"wall_time_ms"`
}

// Instance is a live (or finished) interactive CLI session bound to a
// workflow and user.
type Instance struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	UserID        string          `json:"user_id"`
	Status        InstanceStatus  `json:"status"`
	WorkspacePath string          `json:"workspace_path,omitempty"`
	GitRepo       string          `json:"git_repo,omitempty"`
	Metrics       InstanceMetrics `json:"metrics"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StoppedAt     *time.Time      `json:"stopped_at,omitempty"`
}

// InstanceLogKind classifies one parsed CLI event.
type InstanceLogKind string

const (
	InstanceLogStdout     InstanceLogKind = "stdout"
	InstanceLogToolCall   InstanceLogKind = "tool_call"
	InstanceLogToolResult InstanceLogKind = "tool_result"
	InstanceLogCost       InstanceLogKind = "cost"
	InstanceLogError      InstanceLogKind = "error"
	InstanceLogSystem     InstanceLogKind = "system"
)

// InstanceLog is one append-only record of an observed instance event.
type InstanceLog struct {
	ID           int64           `json:"id"`
	InstanceID   string          `json:"instance_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         InstanceLogKind `json:"kind"`
	Payload      string          `json:"payload,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	TokensDelta  int64           `json:"tokens_delta,omitempty"`
	CostDeltaUSD float64         `json:"cost_delta_usd,omitempty"`
}

// CreateInstanceRequest spawns a session for a workflow.
type CreateInstanceRequest struct {
	WorkflowID string `json:"workflow_id" binding:"required"`
	GitRepo    string `json:"git_repo,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// SendMessageRequest writes a prompt to a ready or running instance.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}
