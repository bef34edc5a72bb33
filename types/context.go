package types

import "encoding/json"

// RunContext is the per-job mutable accumulator handed to every step of a
// workflow. It is allocated fresh for each job by the worker and never shared
// across concurrent executions, so step implementations may mutate it without
// locking.
type RunContext struct {
	Job      Job
	ToolLogs []ToolCall
	Values   map[string]any
}

// NewRunContext allocates a context for one job execution.
func NewRunContext(job Job) *RunContext {
	return &RunContext{
		Job:    job,
		Values: map[string]any{},
	}
}

// LogTool appends one tool invocation to the job's tool trace and returns it
// so step implementations can also attach it to their own StepResult.
func (rc *RunContext) LogTool(tool string, params any, result any, errText string) ToolCall {
	raw, _ := json.Marshal(params)
	call := ToolCall{Tool: tool, Params: raw, Result: result, Error: errText}
	rc.ToolLogs = append(rc.ToolLogs, call)
	return call
}

// Set stores a scratch value shared between steps of the same job.
func (rc *RunContext) Set(key string, value any) {
	if rc.Values == nil {
		rc.Values = map[string]any{}
	}
	rc.Values[key] = value
}

// Get reads a scratch value written by an earlier step.
func (rc *RunContext) Get(key string) (any, bool) {
	v, ok := rc.Values[key]
	return v, ok
}
