package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/orchestration"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// routingDecision is the JSON envelope the router agent must return.
type routingDecision struct {
	SelectedAgents []string `json:"selected_agents"`
	Reasoning      string   `json:"reasoning"`
}

const routingSchemaInstruction = `Respond with only JSON matching this schema: {"selected_agents": ["name", ...], "reasoning": "why"}`

const routingRetryPrefix = "Your previous output did not parse; respond with only JSON matching this schema. "

func (e *Executor) runRouting(ctx context.Context, opts Options, result *v1.BlockResult) error {
	block := opts.Block
	router, _ := orchestration.FindRouter(block)

	var specialists []v1.Agent
	for _, agent := range block.Agents {
		if agent.Name != router.Name {
			specialists = append(specialists, agent)
		}
	}

	routerInput := fmt.Sprintf("%s\n\nAvailable specialists: %s\n%s",
		opts.Input, workerNames(specialists), routingSchemaInstruction)

	decision, err := e.askRouter(ctx, opts, router, routerInput, result)
	if err != nil {
		return err
	}
	if decision == nil {
		// One retry with the reprompt prefix, then the block fails.
		decision, err = e.askRouter(ctx, opts, router, routingRetryPrefix+routerInput, result)
		if err != nil {
			return err
		}
		if decision == nil {
			return apperrors.RoutingUndecided(router.Name)
		}
	}

	selected := make([]v1.Agent, 0, len(decision.SelectedAgents))
	for _, name := range decision.SelectedAgents {
		agent, ok := orchestration.AgentByName(block, name)
		if !ok || agent.Name == router.Name {
			continue
		}
		selected = append(selected, *agent)
	}
	if len(selected) == 0 {
		return apperrors.RoutingUndecided(router.Name)
	}

	e.logger.Debug("routing decision",
		zap.String("block_id", block.ID),
		zap.Strings("selected", decision.SelectedAgents))

	records, err := e.fanOut(ctx, opts, selected, opts.Input)
	for i := range records {
		if records[i] != nil {
			result.Turns = append(result.Turns, *records[i])
		}
	}
	if err != nil {
		return err
	}

	labeled := make([]string, len(selected))
	for i, agent := range selected {
		labeled[i] = Label(agent.Name, records[i].Text)
	}
	result.Output = "Routing: " + decision.Reasoning + "\n\n" + joinLabeled(labeled)
	return nil
}

// askRouter runs one router turn and parses its decision. A nil decision
// with nil error means the output did not parse.
func (e *Executor) askRouter(ctx context.Context, opts Options, router *v1.Agent, input string, result *v1.BlockResult) (*routingDecision, error) {
	record, err := e.runAgent(ctx, opts, router, input)
	if record != nil {
		result.Turns = append(result.Turns, *record)
	}
	if err != nil {
		return nil, err
	}
	decision := parseRoutingDecision(record.Text)
	return decision, nil
}

// parseRoutingDecision extracts the decision JSON from the router's text,
// tolerating surrounding prose and markdown fences.
func parseRoutingDecision(text string) *routingDecision {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil
	}
	var decision routingDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil
	}
	if len(decision.SelectedAgents) == 0 {
		return nil
	}
	return &decision
}

// extractJSONObject returns the outermost {...} span of text, or "".
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
