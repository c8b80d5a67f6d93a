package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/governance"
	"github.com/sasaki2110/morizo/internal/observability"
)

// ErrPlanning marks a planner failure. Callers show a generic failure
// message; there is no retry.
var ErrPlanning = errors.New("agent: planning failed")

// Planner turns a natural-language request into an ordered task chain. The
// planning itself is opaque to the engine.
type Planner interface {
	Plan(ctx context.Context, text, ownerID, sessionID string) ([]chain.Task, error)
}

// LLMPlanner asks a language model for the chain via a forced tool call.
type LLMPlanner struct {
	Model    llms.Model
	Prompts  *PromptManager
	Policy   governance.PolicyEngine
	Logger   *observability.Logger
	MaxTasks int
}

func NewLLMPlanner(model llms.Model, prompts *PromptManager, policy governance.PolicyEngine, logger *observability.Logger, maxTasks int) *LLMPlanner {
	return &LLMPlanner{
		Model:    model,
		Prompts:  prompts,
		Policy:   policy,
		Logger:   logger,
		MaxTasks: maxTasks,
	}
}

func (p *LLMPlanner) Plan(ctx context.Context, text, ownerID, sessionID string) ([]chain.Task, error) {
	systemPrompt, err := p.Prompts.GetPlannerPrompt()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(plannerTools()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: model returned no choices", ErrPlanning)
	}
	choice := resp.Choices[0]
	p.Logger.LogLLM(sessionID, text, choice.Content, choice.ToolCalls)

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall.Name != "propose_tasks" {
			continue
		}
		var payload struct {
			Tasks []chain.Task `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &payload); err != nil {
			return nil, fmt.Errorf("%w: failed to parse propose_tasks arguments: %v", ErrPlanning, err)
		}
		if len(payload.Tasks) == 0 {
			return nil, fmt.Errorf("%w: planner proposed an empty chain", ErrPlanning)
		}
		if p.MaxTasks > 0 && len(payload.Tasks) > p.MaxTasks {
			return nil, fmt.Errorf("%w: planner proposed %d tasks (limit %d)", ErrPlanning, len(payload.Tasks), p.MaxTasks)
		}
		tasks := make([]chain.Task, len(payload.Tasks))
		for i, t := range payload.Tasks {
			t.Status = chain.TaskPending
			if t.Parameters == nil {
				t.Parameters = map[string]any{}
			}
			tasks[i] = t
		}
		if err := governance.ValidateChain(tasks); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
		}
		if err := p.checkPolicy(ctx, tasks); err != nil {
			return nil, err
		}
		return tasks, nil
	}

	return nil, fmt.Errorf("%w: model returned no plan", ErrPlanning)
}

func (p *LLMPlanner) checkPolicy(ctx context.Context, tasks []chain.Task) error {
	if p.Policy == nil {
		return nil
	}
	for _, t := range tasks {
		args, _ := json.Marshal(t.Parameters)
		res, err := p.Policy.Evaluate(ctx, governance.Request{
			Service:   t.Service,
			Method:    t.Method,
			Arguments: string(args),
		})
		if err != nil {
			return fmt.Errorf("%w: policy evaluation: %v", ErrPlanning, err)
		}
		if res.Effect == governance.EffectDeny {
			return fmt.Errorf("%w: task %s denied: %s", ErrPlanning, t.ID, res.Reason)
		}
	}
	return nil
}

// plannerTools defines the single propose_tasks function the model must
// call to submit a chain.
func plannerTools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "propose_tasks",
				Description: "Submit the ordered chain of service operations that fulfills the user's request.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"tasks": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"id": map[string]any{
										"type":        "string",
										"description": "Unique task id within this chain, e.g. task1",
									},
									"service": map[string]any{
										"type": "string",
										"enum": []string{"inventory", "recipe", "recipe_web"},
									},
									"method": map[string]any{
										"type":        "string",
										"description": "The service operation to invoke",
									},
									"parameters": map[string]any{
										"type":        "object",
										"description": "Operation parameters. Values may reference earlier results (\"task1.result.data\") or session context (\"session.context.user_id\").",
									},
									"depends_on": map[string]any{
										"type":        "array",
										"items":       map[string]any{"type": "string"},
										"description": "Ids of tasks whose results this task needs",
									},
								},
								"required": []string{"id", "service", "method", "parameters"},
							},
						},
					},
					"required": []string{"tasks"},
				},
			},
		},
	}
}
