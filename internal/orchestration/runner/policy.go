package runner

import (
	"fmt"
	"strings"

	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// WorkspaceRef points a turn at the directory it runs in. Isolated refs
// carry the agent's own clone path; shared refs carry the execution's
// common directory.
type WorkspaceRef struct {
	Path       string
	Isolated   bool
	WorkflowID string
}

// toolKeywords are the prompt words that imply the agent intends to use
// tools when use_tools is left on auto.
var toolKeywords = []string{"file", "read", "write", "bash", "execute", "edit", "mcp"}

// DecideToolPolicy resolves whether tools are enabled for a turn. An
// explicit use_tools wins; auto scans the system prompt for tool-intent
// keywords.
func DecideToolPolicy(agent *v1.Agent) bool {
	if !agent.UseTools.IsAuto() {
		return agent.UseTools.Enabled
	}
	return promptWantsTools(agent.SystemPrompt)
}

// promptWantsTools reports whether the prompt mentions any tool-intent
// keyword as a word (not as a substring of a longer word, so "readiness"
// does not count but "read," does).
func promptWantsTools(prompt string) bool {
	lower := strings.ToLower(prompt)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, field := range fields {
		for _, kw := range toolKeywords {
			if field == kw {
				return true
			}
		}
	}
	return false
}

// The two workspace instruction variants are enumerated constants so a
// turn can only ever carry one of them.
const (
	isolatedWorkspaceInstruction = "You are working in an isolated workspace. " +
		"On every editor tool call you MUST pass workflow_id=%q and workspace_path=%q. " +
		"All file operations happen inside that workspace path.\n\n"

	sharedWorkspaceInstruction = "You are working in a shared workspace. " +
		"On every editor tool call you MUST pass workflow_id=%q. " +
		"Do not pass a workspace_path.\n\n"
)

// BuildSystemPrompt assembles the final system prompt for a turn. It is
// pure: the same inputs always produce the same string. Exactly one
// workspace instruction variant is prepended, and only when tools are
// enabled and a workspace ref exists.
func BuildSystemPrompt(agent *v1.Agent, toolsEnabled bool, ws *WorkspaceRef) string {
	if !toolsEnabled || ws == nil {
		return agent.SystemPrompt
	}

	var instruction string
	if ws.Isolated {
		instruction = fmt.Sprintf(isolatedWorkspaceInstruction, ws.WorkflowID, ws.Path)
	} else {
		instruction = fmt.Sprintf(sharedWorkspaceInstruction, ws.WorkflowID)
	}
	return instruction + agent.SystemPrompt
}
