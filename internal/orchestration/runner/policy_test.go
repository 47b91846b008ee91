package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

func TestDecideToolPolicy(t *testing.T) {
	explicit := func(on bool) v1.ToolMode { return v1.ToolMode{Explicit: true, Enabled: on} }

	tests := []struct {
		name  string
		agent v1.Agent
		want  bool
	}{
		{"explicit true wins", v1.Agent{UseTools: explicit(true), SystemPrompt: "just chat"}, true},
		{"explicit false wins", v1.Agent{UseTools: explicit(false), SystemPrompt: "edit the file"}, false},
		{"auto with file keyword", v1.Agent{SystemPrompt: "Read the file and summarize it"}, true},
		{"auto with bash keyword", v1.Agent{SystemPrompt: "run bash to inspect"}, true},
		{"auto with mcp keyword", v1.Agent{SystemPrompt: "use MCP for everything"}, true},
		{"auto without keywords", v1.Agent{SystemPrompt: "You are a poet."}, false},
		{"keyword must be a word", v1.Agent{SystemPrompt: "check readiness and credits"}, false},
		{"keyword with punctuation", v1.Agent{SystemPrompt: "please write, then stop"}, true},
		{"empty prompt", v1.Agent{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecideToolPolicy(&tt.agent))
		})
	}
}

func TestBuildSystemPromptVariants(t *testing.T) {
	agent := &v1.Agent{Name: "coder", SystemPrompt: "Base prompt."}

	t.Run("no tools means bare prompt", func(t *testing.T) {
		got := BuildSystemPrompt(agent, false, &WorkspaceRef{Path: "/tmp/x", WorkflowID: "wf"})
		assert.Equal(t, "Base prompt.", got)
	})

	t.Run("no workspace means bare prompt", func(t *testing.T) {
		got := BuildSystemPrompt(agent, true, nil)
		assert.Equal(t, "Base prompt.", got)
	})

	t.Run("shared variant", func(t *testing.T) {
		got := BuildSystemPrompt(agent, true, &WorkspaceRef{Path: "/tmp/shared", WorkflowID: "wf-1"})
		assert.Contains(t, got, `workflow_id="wf-1"`)
		assert.NotContains(t, got, "workspace_path")
		assert.True(t, strings.HasSuffix(got, "Base prompt."))
	})

	t.Run("isolated variant", func(t *testing.T) {
		ws := &WorkspaceRef{Path: "/tmp/iso/coder", Isolated: true, WorkflowID: "wf-1"}
		got := BuildSystemPrompt(agent, true, ws)
		assert.Contains(t, got, `workflow_id="wf-1"`)
		assert.Contains(t, got, `workspace_path="/tmp/iso/coder"`)
		assert.True(t, strings.HasSuffix(got, "Base prompt."))
	})

	t.Run("exactly one variant, never both", func(t *testing.T) {
		for _, isolated := range []bool{true, false} {
			ws := &WorkspaceRef{Path: "/tmp/w", Isolated: isolated, WorkflowID: "wf"}
			got := BuildSystemPrompt(agent, true, ws)
			shared := strings.Contains(got, "shared workspace")
			iso := strings.Contains(got, "isolated workspace")
			assert.NotEqual(t, shared, iso, "exactly one instruction form")
		}
	})
}
