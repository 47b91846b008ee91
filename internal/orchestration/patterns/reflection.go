package patterns

import (
	"context"
	"encoding/json"

	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// PromptSuggestion is one proposed prompt edit from a reflection block.
// Suggestions are returned to the caller; the engine never applies them.
type PromptSuggestion struct {
	BlockID         string `json:"block_id"`
	AgentID         string `json:"agent_id,omitempty"`
	AgentName       string `json:"agent_name"`
	CurrentPrompt   string `json:"current_prompt"`
	SuggestedPrompt string `json:"suggested_prompt"`
	Reasoning       string `json:"reasoning"`
}

// suggestionEnvelope is the JSON the reflector agent must return.
type suggestionEnvelope struct {
	Suggestions []PromptSuggestion `json:"suggestions"`
}

// designSummary is the structured view of the enclosing design handed to
// the reflector.
type designSummary struct {
	Blocks  []summaryBlock   `json:"blocks"`
	Results []v1.BlockResult `json:"latest_results,omitempty"`
}

type summaryBlock struct {
	ID     string         `json:"id"`
	Type   v1.BlockType   `json:"type"`
	Task   string         `json:"task,omitempty"`
	Agents []summaryAgent `json:"agents"`
}

type summaryAgent struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Role         string `json:"role,omitempty"`
	SystemPrompt string `json:"system_prompt"`
}

// BuildDesignSummary renders the design (and the latest execution
// results, when available) as the JSON document a reflection block
// receives.
func BuildDesignSummary(blocks []v1.Block, results []v1.BlockResult) string {
	summary := designSummary{Results: results}
	for _, block := range blocks {
		sb := summaryBlock{ID: block.ID, Type: block.Type, Task: block.Task}
		for _, agent := range block.Agents {
			sb.Agents = append(sb.Agents, summaryAgent{
				ID:           agent.ID,
				Name:         agent.Name,
				Role:         string(agent.Role),
				SystemPrompt: agent.SystemPrompt,
			})
		}
		summary.Blocks = append(summary.Blocks, sb)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

const reflectionInstruction = `Review the design below and suggest prompt improvements. ` +
	`Respond with only JSON matching this schema: {"suggestions": [{"block_id": "...", "agent_id": "...", "agent_name": "...", "current_prompt": "...", "suggested_prompt": "...", "reasoning": "..."}]}`

func (e *Executor) runReflection(ctx context.Context, opts Options, result *v1.BlockResult) error {
	reflector := &opts.Block.Agents[0]

	input := reflectionInstruction + "\n\n" + opts.Input
	record, err := e.runAgent(ctx, opts, reflector, input)
	if record != nil {
		result.Turns = append(result.Turns, *record)
	}
	if err != nil {
		return err
	}

	// Suggestions pass through untouched; a parseable envelope is
	// normalized, anything else is returned as the raw text.
	if raw := extractJSONObject(record.Text); raw != "" {
		var envelope suggestionEnvelope
		if json.Unmarshal([]byte(raw), &envelope) == nil && envelope.Suggestions != nil {
			normalized, marshalErr := json.MarshalIndent(envelope, "", "  ")
			if marshalErr == nil {
				result.Output = string(normalized)
				return nil
			}
		}
	}
	result.Output = record.Text
	return nil
}
