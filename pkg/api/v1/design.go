package v1

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentRole describes the part an agent plays inside a block's pattern.
type AgentRole string

const (
	AgentRoleManager    AgentRole = "manager"
	AgentRoleWorker     AgentRole = "worker"
	AgentRoleSpecialist AgentRole = "specialist"
	AgentRoleModerator  AgentRole = "moderator"
	AgentRoleReflector  AgentRole = "reflector"
)

// BlockType identifies which pattern a block runs over its agents.
type BlockType string

const (
	BlockTypeSequential   BlockType = "sequential"
	BlockTypeParallel     BlockType = "parallel"
	BlockTypeHierarchical BlockType = "hierarchical"
	BlockTypeDebate       BlockType = "debate"
	BlockTypeRouting      BlockType = "routing"
	BlockTypeReflection   BlockType = "reflection"
)

// ToolMode is the agent's tool availability switch. On the wire it is
// either a JSON boolean (explicit) or the string "auto" (defer to a
// prompt keyword scan). The zero value means auto.
type ToolMode struct {
	// Explicit is set when the document carried a literal true/false.
	Explicit bool
	// Enabled is meaningful only when Explicit is true.
	Enabled bool
}

// IsAuto reports whether the tool decision is deferred to the prompt scan.
func (m ToolMode) IsAuto() bool { return !m.Explicit }

// MarshalJSON emits true/false for explicit modes and "auto" otherwise.
func (m ToolMode) MarshalJSON() ([]byte, error) {
	if !m.Explicit {
		return []byte(`"auto"`), nil
	}
	return json.Marshal(m.Enabled)
}

// UnmarshalJSON accepts true, false, "auto", or null (treated as auto).
func (m *ToolMode) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "null", `"auto"`:
		*m = ToolMode{}
		return nil
	case "true":
		*m = ToolMode{Explicit: true, Enabled: true}
		return nil
	case "false":
		*m = ToolMode{Explicit: true, Enabled: false}
		return nil
	}
	return fmt.Errorf("use_tools must be a boolean or \"auto\", got %s", string(data))
}

// Agent is the identity and contract for one CLI turn. Agents are value
// objects authored by the caller; the engine never mutates them.
type Agent struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name" binding:"required,max=255"`
	SystemPrompt string    `json:"system_prompt"`
	Role         AgentRole `json:"role,omitempty"`
	UseTools     ToolMode  `json:"use_tools,omitempty"`
	Model        string    `json:"model,omitempty"`
}

// Block is one node of a composite design. It runs a single pattern over
// its agents, optionally inside per-agent isolated git clones.
type Block struct {
	ID                      string    `json:"id" binding:"required"`
	Type                    BlockType `json:"type" binding:"required"`
	Name                    string    `json:"name,omitempty"`
	Agents                  []Agent   `json:"agents"`
	Task                    string    `json:"task"`
	IsolateAgentWorkspaces  bool      `json:"isolate_agent_workspaces,omitempty"`
	GitRepo                 string    `json:"git_repo,omitempty"`

	// Pattern-specific parameters.
	Rounds     int    `json:"rounds,omitempty"`     // debate, hierarchical
	Aggregator string `json:"aggregator,omitempty"` // parallel: agent name
	Manager    string `json:"manager,omitempty"`    // hierarchical: agent name
	Router     string `json:"router,omitempty"`     // routing: agent name
}

// Connection is a directed edge between blocks, optionally scoped to a
// single (source agent, target agent) pair.
type Connection struct {
	SourceBlock string `json:"source_block" binding:"required"`
	TargetBlock string `json:"target_block" binding:"required"`
	SourceAgent string `json:"source_agent,omitempty"`
	TargetAgent string `json:"target_agent,omitempty"`
}

// Design is a persisted DAG of blocks with data edges.
type Design struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Version     int          `json:"version"`
	Blocks      []Block      `json:"blocks"`
	Connections []Connection `json:"connections,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// CreateDesignRequest for persisting a new design. The document is
// validated (block types, agent names, acyclicity) before it is stored.
type CreateDesignRequest struct {
	Name        string       `json:"name" binding:"required,max=255"`
	Description string       `json:"description,omitempty"`
	Blocks      []Block      `json:"blocks" binding:"required"`
	Connections []Connection `json:"connections,omitempty"`
}

// UpdateDesignRequest replaces a design's document and bumps its version.
type UpdateDesignRequest struct {
	Name        *string      `json:"name,omitempty" binding:"omitempty,max=255"`
	Description *string      `json:"description,omitempty"`
	Blocks      []Block      `json:"blocks,omitempty"`
	Connections []Connection `json:"connections,omitempty"`
}
