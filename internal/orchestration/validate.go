// Package orchestration validates the composite-design document model:
// block shapes, agent uniqueness, pattern parameters, and graph
// acyclicity. Validation runs both when designs are persisted and when
// they are executed, so a stored design can always be scheduled.
package orchestration

import (
	"fmt"
	"sort"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/workspace"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// minDebateRounds: a debate with zero rounds produces no utterances and
// is a caller error, not an empty transcript.
const minDebateRounds = 1

var validBlockTypes = map[v1.BlockType]bool{
	v1.BlockTypeSequential:   true,
	v1.BlockTypeParallel:     true,
	v1.BlockTypeHierarchical: true,
	v1.BlockTypeDebate:       true,
	v1.BlockTypeRouting:      true,
	v1.BlockTypeReflection:   true,
}

// ValidateBlock checks one block's shape and pattern parameters.
func ValidateBlock(block *v1.Block) error {
	if block.ID == "" {
		return apperrors.ValidationError("block.id", "must not be empty")
	}
	if !validBlockTypes[block.Type] {
		return apperrors.ValidationError("block.type", fmt.Sprintf("unknown block type %q", block.Type))
	}
	if len(block.Agents) == 0 {
		return apperrors.ValidationError("block.agents", fmt.Sprintf("block %q has no agents", block.ID))
	}

	if err := validateAgentNames(block); err != nil {
		return err
	}

	switch block.Type {
	case v1.BlockTypeDebate:
		if block.Rounds < minDebateRounds {
			return apperrors.ValidationError("block.rounds",
				fmt.Sprintf("debate block %q needs rounds >= %d", block.ID, minDebateRounds))
		}
		if countNonModerators(block) < 2 {
			return apperrors.ValidationError("block.agents",
				fmt.Sprintf("debate block %q needs at least two debaters", block.ID))
		}
	case v1.BlockTypeHierarchical:
		if block.Rounds < 0 {
			return apperrors.ValidationError("block.rounds", "must not be negative")
		}
		if _, ok := findManager(block); !ok {
			return apperrors.ValidationError("block.manager",
				fmt.Sprintf("hierarchical block %q has no manager agent", block.ID))
		}
		if len(block.Agents) < 2 {
			return apperrors.ValidationError("block.agents",
				fmt.Sprintf("hierarchical block %q needs a manager and at least one worker", block.ID))
		}
	case v1.BlockTypeRouting:
		if _, ok := findRouter(block); !ok {
			return apperrors.ValidationError("block.router",
				fmt.Sprintf("routing block %q has no router agent", block.ID))
		}
		if len(block.Agents) < 2 {
			return apperrors.ValidationError("block.agents",
				fmt.Sprintf("routing block %q needs a router and at least one specialist", block.ID))
		}
	case v1.BlockTypeParallel:
		if block.Aggregator != "" {
			if _, ok := agentByName(block, block.Aggregator); !ok {
				return apperrors.ValidationError("block.aggregator",
					fmt.Sprintf("aggregator %q is not an agent of block %q", block.Aggregator, block.ID))
			}
		}
		if countWorkers(block) == 0 {
			return apperrors.ValidationError("block.agents",
				fmt.Sprintf("parallel block %q has no worker agents", block.ID))
		}
	case v1.BlockTypeReflection:
		if len(block.Agents) != 1 {
			return apperrors.ValidationError("block.agents",
				fmt.Sprintf("reflection block %q takes exactly one reflector agent", block.ID))
		}
	}
	return nil
}

// validateAgentNames rejects empty, duplicate, and collision-after-sanitize
// names. Runtime provisioning of isolated workspaces assumes sanitized
// names are unique within a block.
func validateAgentNames(block *v1.Block) error {
	seen := make(map[string]string, len(block.Agents))
	for _, agent := range block.Agents {
		if agent.Name == "" {
			return apperrors.ValidationError("agent.name",
				fmt.Sprintf("block %q has an agent with no name", block.ID))
		}
		sanitized := workspace.SanitizeAgentName(agent.Name)
		if prev, ok := seen[sanitized]; ok {
			return apperrors.ValidationError("agent.name",
				fmt.Sprintf("agents %q and %q in block %q collide after name sanitization", prev, agent.Name, block.ID))
		}
		seen[sanitized] = agent.Name
	}
	return nil
}

// ValidateDesign checks block uniqueness, every block, connection
// endpoints, and acyclicity.
func ValidateDesign(blocks []v1.Block, connections []v1.Connection) error {
	if len(blocks) == 0 {
		return apperrors.ValidationError("design.blocks", "design has no blocks")
	}

	byID := make(map[string]*v1.Block, len(blocks))
	for i := range blocks {
		block := &blocks[i]
		if _, dup := byID[block.ID]; dup {
			return apperrors.ValidationError("block.id", fmt.Sprintf("duplicate block id %q", block.ID))
		}
		byID[block.ID] = block
		if err := ValidateBlock(block); err != nil {
			return err
		}
	}

	for _, conn := range connections {
		source, ok := byID[conn.SourceBlock]
		if !ok {
			return apperrors.ValidationError("connection.source_block",
				fmt.Sprintf("unknown block %q", conn.SourceBlock))
		}
		target, ok := byID[conn.TargetBlock]
		if !ok {
			return apperrors.ValidationError("connection.target_block",
				fmt.Sprintf("unknown block %q", conn.TargetBlock))
		}
		if conn.SourceBlock == conn.TargetBlock {
			return apperrors.ValidationError("connection", fmt.Sprintf("self edge on block %q", conn.SourceBlock))
		}
		if conn.SourceAgent != "" {
			if _, ok := agentByName(source, conn.SourceAgent); !ok {
				return apperrors.ValidationError("connection.source_agent",
					fmt.Sprintf("agent %q is not in block %q", conn.SourceAgent, conn.SourceBlock))
			}
		}
		if conn.TargetAgent != "" {
			if _, ok := agentByName(target, conn.TargetAgent); !ok {
				return apperrors.ValidationError("connection.target_agent",
					fmt.Sprintf("agent %q is not in block %q", conn.TargetAgent, conn.TargetBlock))
			}
		}
	}

	_, err := TopoSort(blocks, connections)
	return err
}

// TopoSort returns a stable topological order of block ids: Kahn's
// algorithm with a lexicographic tie-break, so equal designs always
// execute in the same order. Cyclic designs yield DesignCyclic naming
// the blocks stuck on the cycle.
func TopoSort(blocks []v1.Block, connections []v1.Connection) ([]string, error) {
	indegree := make(map[string]int, len(blocks))
	adjacency := make(map[string][]string, len(blocks))
	for _, block := range blocks {
		indegree[block.ID] = 0
	}
	// Agent-scoped edges are overlays on the same block DAG; dedupe so a
	// block pair connected both ways counts one edge.
	seen := make(map[[2]string]bool, len(connections))
	for _, conn := range connections {
		edge := [2]string{conn.SourceBlock, conn.TargetBlock}
		if seen[edge] {
			continue
		}
		seen[edge] = true
		adjacency[conn.SourceBlock] = append(adjacency[conn.SourceBlock], conn.TargetBlock)
		indegree[conn.TargetBlock]++
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(blocks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		inserted := false
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}

	if len(order) != len(blocks) {
		var cycle []string
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, apperrors.DesignCyclic(cycle)
	}
	return order, nil
}

// Agent lookup helpers shared with the pattern executors.

// agentByName finds an agent by exact name.
func agentByName(block *v1.Block, name string) (*v1.Agent, bool) {
	for i := range block.Agents {
		if block.Agents[i].Name == name {
			return &block.Agents[i], true
		}
	}
	return nil, false
}

// AgentByName finds an agent by exact name within a block.
func AgentByName(block *v1.Block, name string) (*v1.Agent, bool) {
	return agentByName(block, name)
}

// findManager resolves the hierarchical manager: the explicit Manager
// field wins, else the first agent with the manager role.
func findManager(block *v1.Block) (*v1.Agent, bool) {
	if block.Manager != "" {
		return agentByName(block, block.Manager)
	}
	for i := range block.Agents {
		if block.Agents[i].Role == v1.AgentRoleManager {
			return &block.Agents[i], true
		}
	}
	return nil, false
}

// FindManager resolves the hierarchical block's manager agent.
func FindManager(block *v1.Block) (*v1.Agent, bool) { return findManager(block) }

// findRouter resolves the routing block's router: the explicit Router
// field wins, else the first agent whose role is not specialist.
func findRouter(block *v1.Block) (*v1.Agent, bool) {
	if block.Router != "" {
		return agentByName(block, block.Router)
	}
	for i := range block.Agents {
		if block.Agents[i].Role == v1.AgentRoleManager || block.Agents[i].Role == v1.AgentRoleModerator {
			return &block.Agents[i], true
		}
	}
	return nil, false
}

// FindRouter resolves the routing block's router agent.
func FindRouter(block *v1.Block) (*v1.Agent, bool) { return findRouter(block) }

// FindModerator returns the debate moderator when one is configured.
func FindModerator(block *v1.Block) (*v1.Agent, bool) {
	for i := range block.Agents {
		if block.Agents[i].Role == v1.AgentRoleModerator {
			return &block.Agents[i], true
		}
	}
	return nil, false
}

// countNonModerators counts debate participants.
func countNonModerators(block *v1.Block) int {
	n := 0
	for _, agent := range block.Agents {
		if agent.Role != v1.AgentRoleModerator {
			n++
		}
	}
	return n
}

// countWorkers counts parallel workers (everything but the aggregator).
func countWorkers(block *v1.Block) int {
	n := 0
	for _, agent := range block.Agents {
		if block.Aggregator != "" && agent.Name == block.Aggregator {
			continue
		}
		n++
	}
	return n
}

// Workers returns the parallel block's worker agents in document order.
func Workers(block *v1.Block) []v1.Agent {
	workers := make([]v1.Agent, 0, len(block.Agents))
	for _, agent := range block.Agents {
		if block.Aggregator != "" && agent.Name == block.Aggregator {
			continue
		}
		workers = append(workers, agent)
	}
	return workers
}

// Debaters returns the debate block's participants in document order.
func Debaters(block *v1.Block) []v1.Agent {
	debaters := make([]v1.Agent, 0, len(block.Agents))
	for _, agent := range block.Agents {
		if agent.Role == v1.AgentRoleModerator {
			continue
		}
		debaters = append(debaters, agent)
	}
	return debaters
}
