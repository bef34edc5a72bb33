package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loopcrew/agent-engine/types"
	"github.com/loopcrew/agent-engine/workflow"
)

// DigestAgent is the multi-step agent type backing scheduled feed digests:
// collect trending items for the instance's topics, compose a summary through
// the provider, then publish the draft. It exists as much to exercise the
// workflow runtime's per-step accounting as to serve the product feature.
type DigestAgent struct {
	provider Provider
	feed     FeedSource
}

// FeedSource supplies the platform content a digest summarizes. The real
// implementation lives in the web application; workers get a narrow search
// surface.
type FeedSource interface {
	Search(ctx context.Context, tenantID string, topics []string, limit int) ([]FeedItem, error)
}

type FeedItem struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
	Score  int    `json:"score"`
}

// FeedSourceFunc adapts a function to FeedSource.
type FeedSourceFunc func(ctx context.Context, tenantID string, topics []string, limit int) ([]FeedItem, error)

func (f FeedSourceFunc) Search(ctx context.Context, tenantID string, topics []string, limit int) ([]FeedItem, error) {
	if f == nil {
		return nil, nil
	}
	return f(ctx, tenantID, topics, limit)
}

type digestInput struct {
	Topics []string `json:"topics"`
}

type digestSettings struct {
	MaxItems int `json:"maxItems"`
}

type digestDraft struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ItemCount   int       `json:"itemCount"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func NewDigestAgent(provider Provider, feed FeedSource) (*DigestAgent, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if feed == nil {
		return nil, fmt.Errorf("feed source is required")
	}
	return &DigestAgent{provider: provider, feed: feed}, nil
}

func (a *DigestAgent) Run(ctx context.Context, inst types.Instance, job types.Job, rc *types.RunContext, onProgress workflow.ProgressFunc) (types.JobOutput, error) {
	var settings digestSettings
	if len(inst.Settings) > 0 {
		_ = json.Unmarshal(inst.Settings, &settings)
	}
	if settings.MaxItems <= 0 {
		settings.MaxItems = 10
	}

	steps := []workflow.Step{
		{Name: "collect", Run: a.collect(inst, settings)},
		{Name: "compose", Run: a.compose(inst)},
		{Name: "publish", Run: a.publish(inst)},
	}
	return workflow.Run(ctx, steps, job, rc, onProgress), nil
}

func (a *DigestAgent) collect(inst types.Instance, settings digestSettings) func(ctx context.Context, input any, rc *types.RunContext) (workflow.Result, error) {
	return func(ctx context.Context, input any, rc *types.RunContext) (workflow.Result, error) {
		var parsed digestInput
		if raw, ok := input.(json.RawMessage); ok && len(raw) > 0 {
			_ = json.Unmarshal(raw, &parsed)
		}
		if len(parsed.Topics) == 0 {
			parsed.Topics = []string{"trending"}
		}

		items, err := a.feed.Search(ctx, inst.TenantID, parsed.Topics, settings.MaxItems)
		call := rc.LogTool("feed.search", map[string]any{"topics": parsed.Topics, "limit": settings.MaxItems}, len(items), errText(err))
		if err != nil {
			return workflow.Result{ToolCalls: []types.ToolCall{call}}, fmt.Errorf("feed search failed: %w", err)
		}
		if len(items) == 0 {
			return workflow.Result{ToolCalls: []types.ToolCall{call}}, fmt.Errorf("no feed items matched topics %v", parsed.Topics)
		}
		return workflow.Result{Output: items, ToolCalls: []types.ToolCall{call}}, nil
	}
}

func (a *DigestAgent) compose(inst types.Instance) func(ctx context.Context, input any, rc *types.RunContext) (workflow.Result, error) {
	return func(ctx context.Context, input any, rc *types.RunContext) (workflow.Result, error) {
		items, ok := input.([]FeedItem)
		if !ok || len(items) == 0 {
			return workflow.Result{}, fmt.Errorf("compose expects collected feed items")
		}

		var b strings.Builder
		for _, item := range items {
			fmt.Fprintf(&b, "- @%s: %s\n", item.Author, item.Text)
		}
		resp, err := a.provider.Complete(ctx, PromptRequest{
			Model:        inst.Model,
			Instructions: inst.Instructions,
			Input:        b.String(),
		})
		if err != nil {
			return workflow.Result{}, fmt.Errorf("provider call failed: %w", err)
		}
		return workflow.Result{
			Output:     digestDraft{Title: inst.Name, Body: resp.Text, ItemCount: len(items), GeneratedAt: time.Now().UTC()},
			TokensUsed: resp.TokensUsed,
			Cost:       resp.Cost,
		}, nil
	}
}

func (a *DigestAgent) publish(inst types.Instance) func(ctx context.Context, input any, rc *types.RunContext) (workflow.Result, error) {
	return func(ctx context.Context, input any, rc *types.RunContext) (workflow.Result, error) {
		draft, ok := input.(digestDraft)
		if !ok {
			return workflow.Result{}, fmt.Errorf("publish expects a composed draft")
		}
		call := rc.LogTool("drafts.save", map[string]any{"title": draft.Title, "tenantId": inst.TenantID}, draft.ItemCount, "")
		return workflow.Result{Output: draft, ToolCalls: []types.ToolCall{call}}, nil
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ Agent = (*DigestAgent)(nil)
