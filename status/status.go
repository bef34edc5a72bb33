// Package status is the shared, TTL-bounded store publishing job progress for
// polling clients. It is a convenience surface: the durable execution log is
// the authoritative record, so a lost status write is recoverable and must
// never be treated as a job failure.
package status

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("status: not found")

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether s is one of the two mutually exclusive end states.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the merged view a polling client sees for one job id.
type Record struct {
	JobID  string          `json:"jobId"`
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Store interface {
	SetStatus(ctx context.Context, jobID string, status JobStatus) error
	SetResult(ctx context.Context, jobID string, result []byte) error
	SetError(ctx context.Context, jobID string, message string) error
	Get(ctx context.Context, jobID string) (Record, error)

	// MarkMetered records that usage for jobID has been counted. It returns
	// true exactly once per job id within the retention window, guarding the
	// tenant usage counter against queue redelivery double-counting.
	MarkMetered(ctx context.Context, jobID string) (bool, error)

	Close() error
}
