package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/loopcrew/agent-engine/types"
	"github.com/loopcrew/agent-engine/workflow"
)

// Agent is the executable side of an agent type. Implementations receive the
// resolved instance, the job, and a fresh per-job RunContext; they report
// incremental progress through onProgress and return the aggregate output.
//
// A non-nil error means the run itself could not proceed (infrastructure or
// configuration trouble) and is retryable by the worker. Step-level failures
// are encoded inside JobOutput instead: the run "succeeded" in producing a
// trace, even when Success is false.
type Agent interface {
	Run(ctx context.Context, inst types.Instance, job types.Job, rc *types.RunContext, onProgress workflow.ProgressFunc) (types.JobOutput, error)
}

// Provider is the opaque model collaborator agents call from their steps.
type Provider interface {
	Complete(ctx context.Context, req PromptRequest) (PromptResponse, error)
}

type PromptRequest struct {
	Model        string
	Instructions string
	Input        string
}

type PromptResponse struct {
	Text       string
	TokensUsed int
	Cost       float64
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req PromptRequest) (PromptResponse, error)

func (f ProviderFunc) Complete(ctx context.Context, req PromptRequest) (PromptResponse, error) {
	if f == nil {
		return PromptResponse{}, fmt.Errorf("provider is nil")
	}
	return f(ctx, req)
}

// EchoProvider is the dev/test provider: it reflects the rendered prompt back
// with a deterministic usage figure so local runs exercise the full pipeline
// without a model backend.
type EchoProvider struct{}

func (EchoProvider) Complete(ctx context.Context, req PromptRequest) (PromptResponse, error) {
	_ = ctx
	text := strings.TrimSpace(req.Input)
	if text == "" {
		text = strings.TrimSpace(req.Instructions)
	}
	return PromptResponse{
		Text:       "echo: " + text,
		TokensUsed: (len(req.Instructions) + len(req.Input) + 3) / 4,
		Cost:       0,
	}, nil
}

// decodeInput renders the job's opaque input payload as prompt text. JSON
// strings are unquoted; everything else is passed through raw.
func decodeInput(job types.Job) string {
	raw := strings.TrimSpace(string(job.Input))
	if strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2 {
		return raw[1 : len(raw)-1]
	}
	return raw
}
