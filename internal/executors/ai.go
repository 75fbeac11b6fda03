package executors

import (
	"context"

	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/variables"
	"aerostic/backend/pkg/models"
)

// AIExecutor generates text with the configured AI backend. provider pins a
// backend for node types tied to one vendor.
type AIExecutor struct {
	generator services.TextGenerator
	provider  string
}

// Execute resolves both prompts and returns the generated text.
func (e *AIExecutor) Execute(ctx context.Context, node models.Node, run *Run) (map[string]any, error) {
	op := string(node.Type)
	var data models.AIAgentData
	if err := node.DecodeData(&data); err != nil {
		return nil, fault.Executor(op, node.ID, err)
	}
	if e.generator == nil {
		return nil, fault.Executor(op, node.ID, fault.ErrAINotConfigured)
	}

	userPrompt := data.UserPrompt
	if userPrompt == "" {
		userPrompt = defaultConditionInput
	}
	req := services.GenerateRequest{
		TenantID:     tenantID(run),
		SystemPrompt: variables.Resolve(data.SystemPrompt, run.Context),
		UserPrompt:   variables.Resolve(userPrompt, run.Context),
		Model:        data.Model,
		Provider:     e.provider,
	}

	text, err := e.generator.Generate(ctx, req)
	if err != nil {
		return nil, fault.Executor(op, node.ID, err)
	}
	return map[string]any{"text": text, "model": data.Model}, nil
}
