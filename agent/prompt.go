package agent

import (
	"context"
	"fmt"

	"github.com/loopcrew/agent-engine/types"
	"github.com/loopcrew/agent-engine/workflow"
)

// PromptAgent is the simplest agent type: one provider call rendering the
// instance's instructions against the job input. Most user-configured
// automations on the platform are this shape.
type PromptAgent struct {
	provider Provider
}

func NewPromptAgent(provider Provider) (*PromptAgent, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	return &PromptAgent{provider: provider}, nil
}

func (a *PromptAgent) Run(ctx context.Context, inst types.Instance, job types.Job, rc *types.RunContext, onProgress workflow.ProgressFunc) (types.JobOutput, error) {
	steps := []workflow.Step{
		{
			Name: "generate",
			Run: func(ctx context.Context, input any, rc *types.RunContext) (workflow.Result, error) {
				resp, err := a.provider.Complete(ctx, PromptRequest{
					Model:        inst.Model,
					Instructions: inst.Instructions,
					Input:        decodeInput(job),
				})
				if err != nil {
					return workflow.Result{}, fmt.Errorf("provider call failed: %w", err)
				}
				return workflow.Result{
					Output:     resp.Text,
					TokensUsed: resp.TokensUsed,
					Cost:       resp.Cost,
				}, nil
			},
		},
	}
	return workflow.Run(ctx, steps, job, rc, onProgress), nil
}

var _ Agent = (*PromptAgent)(nil)
