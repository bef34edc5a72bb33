package types

import (
	"encoding/json"
	"time"
)

// Mode records how a job was triggered.
type Mode string

const (
	ModeManual    Mode = "manual"
	ModeScheduled Mode = "scheduled"
	ModeWebhook   Mode = "webhook"
)

// Job is one request to execute an agent instance once. It is the unit the
// durable queue carries; Attempt/MaxAttempts/NotBefore are delivery bookkeeping
// owned by the queue and worker, not by agent implementations.
type Job struct {
	JobID           string          `json:"jobId"`
	TenantID        string          `json:"tenantId"`
	AgentInstanceID string          `json:"agentInstanceId"`
	Input           json.RawMessage `json:"input,omitempty"`
	Mode            Mode            `json:"mode,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"maxAttempts"`
	NotBefore       *time.Time      `json:"notBefore,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueuedAt"`
}

// ToolCall is one tool invocation made while executing a step, in call order.
type ToolCall struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StepResult captures one workflow step's outcome. A step with a non-empty
// Error has a nil Output; FinishedAt is set whether the step succeeded or not.
type StepResult struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Input      any        `json:"input,omitempty"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// JobOutput is the aggregate result of one job execution.
//
// Success is true iff no step recorded an error. Output is the last step's
// output; when the trailing step failed it is nil, not the last successful
// step's output.
type JobOutput struct {
	Success    bool         `json:"success"`
	Output     any          `json:"output,omitempty"`
	Steps      []StepResult `json:"steps"`
	TokensUsed int          `json:"tokensUsed"`
	Cost       float64      `json:"cost"`
}

// Failed reports whether any step recorded an error.
func (o JobOutput) Failed() bool {
	return !o.Success
}

// FirstError returns the first step error, or "" when every step succeeded.
func (o JobOutput) FirstError() string {
	for _, s := range o.Steps {
		if s.Error != "" {
			return s.Error
		}
	}
	return ""
}
