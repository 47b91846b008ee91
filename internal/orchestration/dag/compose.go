package dag

import (
	"sort"
	"strings"

	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// blockSeparator joins predecessor outputs in composed inputs.
const blockSeparator = "\n\n---\n\n"

// dataFlow routes completed block outputs to downstream inputs along the
// design's edges.
type dataFlow struct {
	connections []v1.Connection

	blockOutputs map[string]string
	// agentTexts holds each block's per-agent final text for agent-level
	// edges.
	agentTexts map[string]map[string]string
}

func newDataFlow(connections []v1.Connection) *dataFlow {
	return &dataFlow{
		connections:  connections,
		blockOutputs: make(map[string]string),
		agentTexts:   make(map[string]map[string]string),
	}
}

// recordBlock stores a completed block's output and its agents' final
// texts.
func (f *dataFlow) recordBlock(blockID string, result *v1.BlockResult) {
	f.blockOutputs[blockID] = result.Output

	texts := make(map[string]string)
	for _, turn := range result.Turns {
		// Later turns of the same agent overwrite earlier ones, so the
		// routed text is the agent's final contribution.
		texts[turn.AgentName] = turn.Text
	}
	f.agentTexts[blockID] = texts
}

// composeInput builds a block's input from the initial task and its
// inbound edges: block-level predecessor outputs first (in predecessor id
// order), then agent-level bindings as agent-scoped extra context (in
// source id order).
func (f *dataFlow) composeInput(block *v1.Block, initialTask string) (string, map[string]string) {
	var blockLevel []v1.Connection
	var agentLevel []v1.Connection
	for _, conn := range f.connections {
		if conn.TargetBlock != block.ID {
			continue
		}
		if conn.TargetAgent != "" {
			agentLevel = append(agentLevel, conn)
		} else {
			blockLevel = append(blockLevel, conn)
		}
	}

	task := block.Task
	if task == "" {
		task = initialTask
	}

	input := task
	if len(blockLevel) > 0 {
		sort.Slice(blockLevel, func(i, j int) bool {
			return blockLevel[i].SourceBlock < blockLevel[j].SourceBlock
		})
		parts := make([]string, 0, len(blockLevel))
		for _, conn := range blockLevel {
			parts = append(parts, f.sourceText(conn))
		}
		input = task + "\n\nPrevious Results:\n" + strings.Join(parts, blockSeparator)
	} else if len(agentLevel) == 0 && block.Task != "" && initialTask != "" && block.Task != initialTask {
		// Root block with its own task still sees the caller's request.
		input = block.Task + "\n\n" + initialTask
	}

	var agentInputs map[string]string
	if len(agentLevel) > 0 {
		sort.Slice(agentLevel, func(i, j int) bool {
			return agentLevel[i].SourceBlock < agentLevel[j].SourceBlock
		})
		agentInputs = make(map[string]string, len(agentLevel))
		for _, conn := range agentLevel {
			text := f.sourceText(conn)
			if existing, ok := agentInputs[conn.TargetAgent]; ok {
				text = existing + blockSeparator + text
			}
			agentInputs[conn.TargetAgent] = text
		}
	}
	return input, agentInputs
}

// sourceText resolves what an edge carries: the named source agent's
// final text when the edge is agent-scoped at the source, otherwise the
// source block's output.
func (f *dataFlow) sourceText(conn v1.Connection) string {
	if conn.SourceAgent != "" {
		if texts, ok := f.agentTexts[conn.SourceBlock]; ok {
			if text, ok := texts[conn.SourceAgent]; ok {
				return text
			}
		}
	}
	return f.blockOutputs[conn.SourceBlock]
}
