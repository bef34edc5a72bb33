package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/loopcrew/agent-engine/types"
)

// Result is what one step hands back to the runtime. TokensUsed and Cost are
// accumulated into the job totals; ToolCalls are attached to the StepResult.
type Result struct {
	Output     any
	TokensUsed int
	Cost       float64
	ToolCalls  []types.ToolCall
}

// Step is one unit of work within a multi-step agent. Run receives the
// previous step's output as input (the job input for the first step) and the
// job's mutable RunContext.
type Step struct {
	Name string
	Run  func(ctx context.Context, input any, rc *types.RunContext) (Result, error)
}

// ProgressFunc is invoked synchronously after each step completes, successful
// or not. It is the only channel through which the runtime surfaces
// incremental progress; the runtime does not know how callers transport it.
type ProgressFunc func(step types.StepResult)

// Run executes steps strictly in order and returns the aggregate JobOutput.
//
// A failing step is recorded and execution continues with the next step:
// partial traces stay inspectable, and steps are treated as independent unless
// the agent encodes early-exit inside its own step functions. The per-step
// boundary also converts panics into step errors so one misbehaving step
// cannot take down the worker.
func Run(ctx context.Context, steps []Step, job types.Job, rc *types.RunContext, onProgress ProgressFunc) types.JobOutput {
	out := types.JobOutput{
		Success: true,
		Steps:   make([]types.StepResult, 0, len(steps)),
	}

	var input any = job.Input
	for i, step := range steps {
		sr := types.StepResult{
			Index:     i,
			Name:      step.Name,
			Input:     input,
			StartedAt: time.Now().UTC(),
		}

		result, err := runStep(ctx, step, input, rc)
		sr.FinishedAt = time.Now().UTC()

		if err != nil {
			sr.Error = err.Error()
			sr.Output = nil
			out.Success = false
			input = nil
		} else {
			sr.Output = result.Output
			sr.ToolCalls = result.ToolCalls
			out.TokensUsed += result.TokensUsed
			out.Cost += result.Cost
			input = result.Output
		}

		out.Steps = append(out.Steps, sr)
		if onProgress != nil {
			onProgress(sr)
		}
	}

	if len(out.Steps) > 0 {
		out.Output = out.Steps[len(out.Steps)-1].Output
	}
	return out
}

func runStep(ctx context.Context, step Step, input any, rc *types.RunContext) (result Result, err error) {
	if step.Run == nil {
		return Result{}, fmt.Errorf("step %q has no run function", step.Name)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", step.Name, r)
			result = Result{}
		}
	}()
	return step.Run(ctx, input, rc)
}
