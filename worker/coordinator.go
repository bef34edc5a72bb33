package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopcrew/agent-engine/observe"
	"github.com/loopcrew/agent-engine/platform"
	"github.com/loopcrew/agent-engine/queue"
	"github.com/loopcrew/agent-engine/status"
	"github.com/loopcrew/agent-engine/types"
)

// Coordinator is the enqueue-side counterpart of the workers: it submits jobs
// on behalf of the web application and exposes fleet/queue visibility for
// operators. It never executes jobs itself.
type Coordinator struct {
	statuses status.Store
	store    Platform
	queue    queue.Queue
	observer observe.Sink
	policy   RuntimePolicy
}

type SubmitRequest struct {
	TenantID        string
	AgentInstanceID string
	Input           []byte
	Mode            types.Mode
	Context         []byte
	MaxAttempts     int
}

type SubmitResult struct {
	JobID      string
	MessageID  string
	EnqueuedAt time.Time
}

func NewCoordinator(statuses status.Store, store Platform, queueStore queue.Queue, observer observe.Sink, policy RuntimePolicy) (*Coordinator, error) {
	if statuses == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if store == nil {
		return nil, fmt.Errorf("platform store is required")
	}
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	return &Coordinator{
		statuses: statuses,
		store:    store,
		queue:    queueStore,
		observer: observer,
		policy:   NormalizeRuntimePolicy(policy),
	}, nil
}

// SubmitJob validates the tenant/instance pair up front, enqueues one job,
// and seeds the pending status entry so clients can poll immediately. The
// worker re-validates ownership on claim; this check just rejects obvious
// misconfiguration before it costs a queue round trip.
func (c *Coordinator) SubmitJob(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return SubmitResult{}, fmt.Errorf("tenantID is required")
	}
	if strings.TrimSpace(req.AgentInstanceID) == "" {
		return SubmitResult{}, fmt.Errorf("agentInstanceID is required")
	}
	if _, err := c.store.AgentInstanceByID(ctx, req.AgentInstanceID, req.TenantID); err != nil {
		return SubmitResult{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = types.ModeManual
	}
	job := types.Job{
		JobID:           uuid.NewString(),
		TenantID:        req.TenantID,
		AgentInstanceID: req.AgentInstanceID,
		Input:           req.Input,
		Mode:            mode,
		Context:         req.Context,
		Attempt:         1,
		MaxAttempts:     req.MaxAttempts,
		EnqueuedAt:      time.Now().UTC(),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = c.policy.MaxAttempts
	}

	msgID, err := c.queue.Enqueue(ctx, job)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("enqueue job: %w", err)
	}
	if err := c.statuses.SetStatus(ctx, job.JobID, status.StatusPending); err != nil {
		// The job is already queued; a missing pending entry only delays the
		// first poll until the worker writes in_progress.
		c.emit(ctx, observe.Event{
			JobID:    job.JobID,
			TenantID: job.TenantID,
			Kind:     observe.KindJob,
			Status:   observe.StatusFailed,
			Name:     "status.write.error",
			Error:    err.Error(),
		})
	}
	c.emit(ctx, observe.Event{
		JobID:      job.JobID,
		TenantID:   job.TenantID,
		Kind:       observe.KindQueue,
		Status:     observe.StatusStarted,
		Name:       "queue.submitted",
		Attributes: map[string]any{"mode": string(mode)},
	})
	return SubmitResult{JobID: job.JobID, MessageID: msgID, EnqueuedAt: job.EnqueuedAt}, nil
}

func (c *Coordinator) JobStatus(ctx context.Context, jobID string) (status.Record, error) {
	return c.statuses.Get(ctx, jobID)
}

func (c *Coordinator) QueueStats(ctx context.Context) (queue.Stats, error) {
	return c.queue.Stats(ctx)
}

func (c *Coordinator) ListWorkers(ctx context.Context, limit int) ([]platform.WorkerHeartbeat, error) {
	return c.store.ListWorkerHeartbeats(ctx, limit)
}

func (c *Coordinator) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	return c.queue.ListDLQ(ctx, limit)
}

type dlqRequeuer interface {
	RequeueDLQByID(ctx context.Context, id string, resetAttempt bool) (string, error)
}

// RequeueDLQ puts one dead-lettered job back on the live stream. Transports
// without a DLQ replay primitive reject the call.
func (c *Coordinator) RequeueDLQ(ctx context.Context, id string, resetAttempt bool) (string, error) {
	r, ok := c.queue.(dlqRequeuer)
	if !ok {
		return "", fmt.Errorf("queue does not support dlq requeue")
	}
	msgID, err := r.RequeueDLQByID(ctx, id, resetAttempt)
	if err != nil {
		return "", err
	}
	c.emit(ctx, observe.Event{
		Kind:       observe.KindQueue,
		Status:     observe.StatusStarted,
		Name:       "queue.dlq.requeued",
		Attributes: map[string]any{"dlqId": id, "resetAttempt": resetAttempt},
	})
	return msgID, nil
}

func (c *Coordinator) emit(ctx context.Context, event observe.Event) {
	if c == nil || c.observer == nil {
		return
	}
	event.Normalize()
	_ = c.observer.Emit(ctx, event)
}
