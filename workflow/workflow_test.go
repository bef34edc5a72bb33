package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loopcrew/agent-engine/types"
)

func testJob() types.Job {
	return types.Job{
		JobID:           "job-1",
		TenantID:        "tenant-1",
		AgentInstanceID: "inst-1",
		Input:           json.RawMessage(`"hello"`),
		Mode:            types.ModeManual,
	}
}

func TestRunExecutesStepsInOrder(t *testing.T) {
	var order []string
	steps := []Step{
		{Name: "first", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			order = append(order, "first")
			return Result{Output: "a", TokensUsed: 10, Cost: 0.01}, nil
		}},
		{Name: "second", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			order = append(order, "second")
			if input != "a" {
				t.Fatalf("second step expected previous output, got %v", input)
			}
			return Result{Output: "b", TokensUsed: 5, Cost: 0.005}, nil
		}},
	}

	job := testJob()
	out := Run(context.Background(), steps, job, types.NewRunContext(job), nil)

	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(out.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(out.Steps))
	}
	for i, sr := range out.Steps {
		if sr.Index != i {
			t.Fatalf("step %d has index %d", i, sr.Index)
		}
		if sr.StartedAt.IsZero() || sr.FinishedAt.IsZero() {
			t.Fatalf("step %d missing timestamps", i)
		}
	}
	if out.Output != "b" {
		t.Fatalf("expected last step output, got %v", out.Output)
	}
	if out.TokensUsed != 15 {
		t.Fatalf("expected 15 tokens, got %d", out.TokensUsed)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestRunContinuesPastFailingStep(t *testing.T) {
	steps := []Step{
		{Name: "ok", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{Output: "first"}, nil
		}},
		{Name: "boom", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{}, errors.New("provider unavailable")
		}},
		{Name: "after", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{Output: "last"}, nil
		}},
	}

	job := testJob()
	out := Run(context.Background(), steps, job, types.NewRunContext(job), nil)

	if out.Success {
		t.Fatal("expected success=false")
	}
	if len(out.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(out.Steps))
	}
	if out.Steps[1].Error == "" || out.Steps[1].Output != nil {
		t.Fatalf("failed step should have error and nil output: %+v", out.Steps[1])
	}
	for i, sr := range out.Steps {
		if sr.StartedAt.IsZero() || sr.FinishedAt.IsZero() {
			t.Fatalf("step %d missing timestamps", i)
		}
	}
	if out.Output != "last" {
		t.Fatalf("expected last step output, got %v", out.Output)
	}
}

func TestRunTrailingFailureYieldsNilOutput(t *testing.T) {
	steps := []Step{
		{Name: "ok", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{Output: "value"}, nil
		}},
		{Name: "boom", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{}, errors.New("nope")
		}},
	}

	job := testJob()
	out := Run(context.Background(), steps, job, types.NewRunContext(job), nil)
	if out.Success {
		t.Fatal("expected success=false")
	}
	if out.Output != nil {
		t.Fatalf("trailing failed step must yield nil output, got %v", out.Output)
	}
}

func TestRunRecoversStepPanic(t *testing.T) {
	steps := []Step{
		{Name: "panics", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			panic("bad index")
		}},
		{Name: "after", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{Output: "still ran"}, nil
		}},
	}

	job := testJob()
	out := Run(context.Background(), steps, job, types.NewRunContext(job), nil)
	if out.Success {
		t.Fatal("expected success=false")
	}
	if out.Steps[0].Error == "" {
		t.Fatal("panic should surface as step error")
	}
	if out.Steps[1].Output != "still ran" {
		t.Fatalf("later step should still execute, got %+v", out.Steps[1])
	}
}

func TestRunInvokesProgressCallbackPerStep(t *testing.T) {
	steps := []Step{
		{Name: "one", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{Output: 1}, nil
		}},
		{Name: "two", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{}, errors.New("fail")
		}},
	}

	var seen []types.StepResult
	job := testJob()
	Run(context.Background(), steps, job, types.NewRunContext(job), func(sr types.StepResult) {
		seen = append(seen, sr)
	})

	if len(seen) != 2 {
		t.Fatalf("expected 2 progress callbacks, got %d", len(seen))
	}
	if seen[0].Name != "one" || seen[1].Name != "two" {
		t.Fatalf("unexpected callback order: %+v", seen)
	}
	if seen[1].Error == "" {
		t.Fatal("failed step callback should carry the error")
	}
}

func TestRunAccumulatesUsageFromSuccessfulStepsOnly(t *testing.T) {
	steps := []Step{
		{Name: "a", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{Output: "x", TokensUsed: 100, Cost: 0.2}, nil
		}},
		{Name: "b", Run: func(ctx context.Context, input any, rc *types.RunContext) (Result, error) {
			return Result{TokensUsed: 999, Cost: 9}, errors.New("fail")
		}},
	}

	job := testJob()
	out := Run(context.Background(), steps, job, types.NewRunContext(job), nil)
	if out.TokensUsed != 100 {
		t.Fatalf("expected 100 tokens, got %d", out.TokensUsed)
	}
	if out.Cost != 0.2 {
		t.Fatalf("expected cost 0.2, got %v", out.Cost)
	}
}
