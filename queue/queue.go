package queue

import (
	"context"
	"time"

	"github.com/loopcrew/agent-engine/types"
)

// Delivery is one claimed queue message. The same job can be delivered more
// than once; consumers must tolerate reprocessing.
type Delivery struct {
	ID       string    `json:"id"`
	Stream   string    `json:"stream"`
	Job      types.Job `json:"job"`
	Received time.Time `json:"received"`
}

type Stats struct {
	StreamLength int64 `json:"streamLength"`
	DLQLength    int64 `json:"dlqLength"`
	Pending      int64 `json:"pending"`
}

// Queue is the durable at-least-once job transport feeding worker processes.
type Queue interface {
	Enqueue(ctx context.Context, job types.Job) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	Ack(ctx context.Context, consumer string, messageIDs ...string) error
	Nack(ctx context.Context, consumer string, deliveries []Delivery, reason string) error
	Requeue(ctx context.Context, job types.Job, reason string, delay time.Duration) (string, error)
	DeadLetter(ctx context.Context, delivery Delivery, reason string) (string, error)
	ListDLQ(ctx context.Context, limit int) ([]Delivery, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
