package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

func agents(names ...string) []v1.Agent {
	out := make([]v1.Agent, 0, len(names))
	for _, n := range names {
		out = append(out, v1.Agent{Name: n, Role: v1.AgentRoleWorker})
	}
	return out
}

func TestValidateBlockShapes(t *testing.T) {
	tests := []struct {
		name    string
		block   v1.Block
		wantErr bool
	}{
		{
			name:  "sequential ok",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeSequential, Agents: agents("a", "b")},
		},
		{
			name:    "unknown type",
			block:   v1.Block{ID: "b1", Type: "pipeline", Agents: agents("a")},
			wantErr: true,
		},
		{
			name:    "no agents",
			block:   v1.Block{ID: "b1", Type: v1.BlockTypeSequential},
			wantErr: true,
		},
		{
			name:    "empty block id",
			block:   v1.Block{Type: v1.BlockTypeSequential, Agents: agents("a")},
			wantErr: true,
		},
		{
			name:    "debate needs rounds",
			block:   v1.Block{ID: "b1", Type: v1.BlockTypeDebate, Agents: agents("pro", "con")},
			wantErr: true,
		},
		{
			name:  "debate ok",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeDebate, Rounds: 2, Agents: agents("pro", "con")},
		},
		{
			name: "debate with only moderator and one debater",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeDebate, Rounds: 1, Agents: []v1.Agent{
				{Name: "mod", Role: v1.AgentRoleModerator},
				{Name: "solo", Role: v1.AgentRoleWorker},
			}},
			wantErr: true,
		},
		{
			name: "hierarchical needs manager",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeHierarchical, Agents: agents("w1", "w2")},
			wantErr: true,
		},
		{
			name: "hierarchical ok via role",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeHierarchical, Agents: []v1.Agent{
				{Name: "boss", Role: v1.AgentRoleManager},
				{Name: "w1", Role: v1.AgentRoleWorker},
			}},
		},
		{
			name: "hierarchical ok via explicit manager field",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeHierarchical, Manager: "boss",
				Agents: agents("boss", "w1")},
		},
		{
			name:    "routing needs router",
			block:   v1.Block{ID: "b1", Type: v1.BlockTypeRouting, Agents: agents("s1", "s2")},
			wantErr: true,
		},
		{
			name: "routing ok",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeRouting, Router: "gate",
				Agents: agents("gate", "s1", "s2")},
		},
		{
			name: "parallel aggregator must be a member",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeParallel, Aggregator: "ghost",
				Agents: agents("w1", "w2")},
			wantErr: true,
		},
		{
			name: "parallel aggregator alone leaves no workers",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeParallel, Aggregator: "agg",
				Agents: agents("agg")},
			wantErr: true,
		},
		{
			name:    "reflection takes exactly one agent",
			block:   v1.Block{ID: "b1", Type: v1.BlockTypeReflection, Agents: agents("r1", "r2")},
			wantErr: true,
		},
		{
			name:  "reflection ok",
			block: v1.Block{ID: "b1", Type: v1.BlockTypeReflection, Agents: agents("critic")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBlock(&tt.block)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err), "want validation error, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBlockNameCollisionAfterSanitize(t *testing.T) {
	block := v1.Block{ID: "b1", Type: v1.BlockTypeSequential, Agents: agents("Code Reviewer", "code reviewer")}
	err := ValidateBlock(&block)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestValidateDesignConnections(t *testing.T) {
	blocks := []v1.Block{
		{ID: "plan", Type: v1.BlockTypeSequential, Agents: agents("planner")},
		{ID: "build", Type: v1.BlockTypeParallel, Agents: agents("w1", "w2")},
	}

	t.Run("unknown endpoint", func(t *testing.T) {
		err := ValidateDesign(blocks, []v1.Connection{{SourceBlock: "plan", TargetBlock: "ship"}})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("self edge", func(t *testing.T) {
		err := ValidateDesign(blocks, []v1.Connection{{SourceBlock: "plan", TargetBlock: "plan"}})
		require.Error(t, err)
	})

	t.Run("agent-scoped endpoint must exist", func(t *testing.T) {
		err := ValidateDesign(blocks, []v1.Connection{
			{SourceBlock: "plan", SourceAgent: "nobody", TargetBlock: "build"},
		})
		require.Error(t, err)
	})

	t.Run("valid design", func(t *testing.T) {
		err := ValidateDesign(blocks, []v1.Connection{
			{SourceBlock: "plan", SourceAgent: "planner", TargetBlock: "build", TargetAgent: "w1"},
		})
		assert.NoError(t, err)
	})

	t.Run("duplicate block id", func(t *testing.T) {
		dup := append([]v1.Block{}, blocks...)
		dup = append(dup, v1.Block{ID: "plan", Type: v1.BlockTypeSequential, Agents: agents("x")})
		err := ValidateDesign(dup, nil)
		require.Error(t, err)
	})
}

func TestTopoSortStableOrder(t *testing.T) {
	blocks := []v1.Block{
		{ID: "c", Type: v1.BlockTypeSequential, Agents: agents("a")},
		{ID: "a", Type: v1.BlockTypeSequential, Agents: agents("a")},
		{ID: "b", Type: v1.BlockTypeSequential, Agents: agents("a")},
		{ID: "d", Type: v1.BlockTypeSequential, Agents: agents("a")},
	}
	conns := []v1.Connection{
		{SourceBlock: "a", TargetBlock: "d"},
		{SourceBlock: "b", TargetBlock: "d"},
		{SourceBlock: "c", TargetBlock: "d"},
	}

	// Sources tie at indegree zero; lexicographic order breaks the tie,
	// every run the same way.
	for i := 0; i < 5; i++ {
		order, err := TopoSort(blocks, conns)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	}
}

func TestTopoSortDedupesAgentScopedEdges(t *testing.T) {
	blocks := []v1.Block{
		{ID: "a", Type: v1.BlockTypeSequential, Agents: agents("x", "y")},
		{ID: "b", Type: v1.BlockTypeSequential, Agents: agents("z")},
	}
	// Two agent-level connections over the same block pair collapse to a
	// single edge.
	conns := []v1.Connection{
		{SourceBlock: "a", SourceAgent: "x", TargetBlock: "b"},
		{SourceBlock: "a", SourceAgent: "y", TargetBlock: "b"},
	}
	order, err := TopoSort(blocks, conns)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestTopoSortCycle(t *testing.T) {
	blocks := []v1.Block{
		{ID: "a", Type: v1.BlockTypeSequential, Agents: agents("x")},
		{ID: "b", Type: v1.BlockTypeSequential, Agents: agents("x")},
		{ID: "c", Type: v1.BlockTypeSequential, Agents: agents("x")},
	}
	conns := []v1.Connection{
		{SourceBlock: "a", TargetBlock: "b"},
		{SourceBlock: "b", TargetBlock: "c"},
		{SourceBlock: "c", TargetBlock: "b"},
	}
	_, err := TopoSort(blocks, conns)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDesignCyclic, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "b")
	assert.Contains(t, err.Error(), "c")
}

func TestAgentLookupHelpers(t *testing.T) {
	block := v1.Block{
		ID:   "b1",
		Type: v1.BlockTypeParallel,
		Agents: []v1.Agent{
			{Name: "agg", Role: v1.AgentRoleWorker},
			{Name: "w1", Role: v1.AgentRoleWorker},
			{Name: "mod", Role: v1.AgentRoleModerator},
		},
		Aggregator: "agg",
	}

	got, ok := AgentByName(&block, "w1")
	require.True(t, ok)
	assert.Equal(t, "w1", got.Name)
	_, ok = AgentByName(&block, "missing")
	assert.False(t, ok)

	workers := Workers(&block)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].Name)
	assert.Equal(t, "mod", workers[1].Name)

	debaters := Debaters(&block)
	require.Len(t, debaters, 2)

	mod, ok := FindModerator(&block)
	require.True(t, ok)
	assert.Equal(t, "mod", mod.Name)
}
