package v1

import "time"

// ExecuteBlockRequest invokes a single pattern ad hoc, without persisting
// a design. Pattern-specific parameters mirror the Block document.
type ExecuteBlockRequest struct {
	Type                   BlockType `json:"type" binding:"required"`
	Agents                 []Agent   `json:"agents" binding:"required"`
	Task                   string    `json:"task" binding:"required"`
	IsolateAgentWorkspaces bool      `json:"isolate_agent_workspaces,omitempty"`
	GitRepo                string    `json:"git_repo,omitempty"`
	Rounds                 int       `json:"rounds,omitempty"`
	Aggregator             string    `json:"aggregator,omitempty"`
	Manager                string    `json:"manager,omitempty"`
	Router                 string    `json:"router,omitempty"`
	Stream                 bool      `json:"stream,omitempty"`
}

// ExecuteDesignRequest runs a persisted or inline design DAG.
// Exactly one of DesignID or Design must be provided.
type ExecuteDesignRequest struct {
	DesignID    string  `json:"design_id,omitempty"`
	Design      *Design `json:"design,omitempty"`
	InitialTask string  `json:"initial_task" binding:"required"`
	Stream      bool    `json:"stream,omitempty"`
}

// ToolCall is one observed tool invocation during an agent turn.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResult is one observed tool outcome during an agent turn.
type ToolResult struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// TurnRecord is the caller-visible view of one completed agent turn.
type TurnRecord struct {
	AgentName   string       `json:"agent_name"`
	Text        string       `json:"text"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	InputTokens int64        `json:"input_tokens,omitempty"`
	OutputTokens int64       `json:"output_tokens,omitempty"`
	CostUSD     float64      `json:"cost_usd,omitempty"`
	DurationMS  int64        `json:"duration_ms,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// BlockResult is the outcome of one block in a design execution.
type BlockResult struct {
	BlockID   string       `json:"block_id"`
	BlockType BlockType    `json:"block_type"`
	Output    string       `json:"output"`
	Turns     []TurnRecord `json:"turns,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// WorkspaceInfo reports the isolated clone layout of an execution so the
// temp-workspace browse endpoints can be pointed at it.
type WorkspaceInfo struct {
	ParentDir  string            `json:"parent_dir"`
	AgentPaths map[string]string `json:"agent_paths"`
}

// ExecutionResult is the terminal payload of an execution: the last
// block's output plus the full per-block trace.
type ExecutionResult struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"` // completed or failed
	Output      string         `json:"output,omitempty"`
	Blocks      []BlockResult  `json:"blocks,omitempty"`
	Workspace   *WorkspaceInfo `json:"workspace,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// WorkspaceListRequest asks for a directory listing inside an isolated
// execution workspace. Admission requires the caller to own WorkflowID
// and WorkspacePath to sit under the isolated-parent prefix.
type WorkspaceListRequest struct {
	WorkflowID    string `json:"workflow_id" binding:"required"`
	WorkspacePath string `json:"workspace_path" binding:"required"`
	Path          string `json:"path,omitempty"`
}

// WorkspaceEntry is one file or directory in a workspace listing.
type WorkspaceEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// WorkspaceReadRequest asks for a file's content inside an isolated
// execution workspace. Same admission rules as WorkspaceListRequest.
type WorkspaceReadRequest struct {
	WorkflowID    string `json:"workflow_id" binding:"required"`
	WorkspacePath string `json:"workspace_path" binding:"required"`
	FilePath      string `json:"file_path" binding:"required"`
}

// WorkspaceReadResponse carries a file's content.
type WorkspaceReadResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}
