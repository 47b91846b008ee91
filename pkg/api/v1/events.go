package v1

import "time"

// Execution event types, in the order a well-behaved execution emits them.
// agent_started precedes every event of that agent; block_started of a
// block follows block_completed of all its predecessors.
const (
	EventBlockStarted       = "block_started"
	EventAgentStarted       = "agent_started"
	EventAgentChunk         = "agent_chunk"
	EventAgentToolCall      = "agent_tool_call"
	EventAgentToolResult    = "agent_tool_result"
	EventAgentCompleted     = "agent_completed"
	EventBlockCompleted     = "block_completed"
	EventWorkspaceInfo      = "workspace_info"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
)

// ExecutionEvent is one entry in an execution's event stream.
// Payload fields are populated according to Type.
type ExecutionEvent struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`

	BlockID   string `json:"block_id,omitempty"`
	BlockType string `json:"block_type,omitempty"`
	AgentName string `json:"agent_name,omitempty"`

	// Text carries agent_chunk deltas and block/execution outputs.
	Text string `json:"text,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Workspace is set on workspace_info events.
	Workspace *WorkspaceInfo `json:"workspace,omitempty"`

	// Result is set on execution_completed events.
	Result *ExecutionResult `json:"result,omitempty"`

	// Error is set on execution_failed events.
	Error string `json:"error,omitempty"`
	// ErrorKind is the boundary error kind tag, when known.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Instance stream event types delivered to Subscribe callers.
const (
	InstanceEventOutput        = "output"
	InstanceEventToolCall      = "tool_call"
	InstanceEventToolResult    = "tool_result"
	InstanceEventCost          = "cost"
	InstanceEventError         = "error"
	InstanceEventSystem        = "system"
	InstanceEventStatus        = "status"
	InstanceEventDropped       = "events_dropped"
)

// InstanceEvent is one entry in an instance's subscriber stream.
type InstanceEvent struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`

	// Content carries coalesced output text, tool short forms, or the
	// status value for status events.
	Content string `json:"content,omitempty"`

	// ToolName is set on tool_call / tool_result events.
	ToolName string `json:"tool_name,omitempty"`

	// Truncated marks a tool_result whose content is a preview; the full
	// payload is in the instance log under PayloadRef.
	Truncated  bool  `json:"truncated,omitempty"`
	PayloadRef int64 `json:"payload_ref,omitempty"`

	TokensDelta  int64   `json:"tokens_delta,omitempty"`
	CostDeltaUSD float64 `json:"cost_delta_usd,omitempty"`

	// Dropped is the number of events lost to backpressure; set once per
	// overflow on an events_dropped notification.
	Dropped int `json:"dropped,omitempty"`
}
