// Package worker hosts the long-running queue consumers that execute agent
// jobs. One worker processes one job at a time, end to end: tenant-scoped
// instance resolution, registry dispatch, workflow execution, usage metering,
// execution-log append, and status publication. Many workers run in parallel
// across the fleet with the queue as the only coordination point.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopcrew/agent-engine/agent"
	"github.com/loopcrew/agent-engine/billing"
	"github.com/loopcrew/agent-engine/observe"
	"github.com/loopcrew/agent-engine/platform"
	"github.com/loopcrew/agent-engine/queue"
	"github.com/loopcrew/agent-engine/registry"
	"github.com/loopcrew/agent-engine/status"
	"github.com/loopcrew/agent-engine/types"
	"github.com/loopcrew/agent-engine/workflow"
)

// Platform is the slice of the relational store the worker touches.
// *platform.Store satisfies it; tests substitute fakes.
type Platform interface {
	AgentInstanceByID(ctx context.Context, id, tenantID string) (types.Instance, error)
	TenantByID(ctx context.Context, id string) (platform.Tenant, error)
	IncrementUsage(ctx context.Context, tenantID string) error
	AppendExecutionLog(ctx context.Context, rec platform.ExecutionLog) error
	SaveWorkerHeartbeat(ctx context.Context, hb platform.WorkerHeartbeat) error
	ListWorkerHeartbeats(ctx context.Context, limit int) ([]platform.WorkerHeartbeat, error)
}

// Resolver maps an agent type key to its implementation. Defaults to the
// process registry; injectable for tests.
type Resolver func(key string) (agent.Agent, error)

type Config struct {
	WorkerID string
	Capacity int
}

type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type worker struct {
	cfg      Config
	statuses status.Store
	store    Platform
	queue    queue.Queue
	meter    billing.Meter
	observer observe.Sink
	policy   RuntimePolicy
	resolve  Resolver
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config, statuses status.Store, store Platform, queueStore queue.Queue, meter billing.Meter, observer observe.Sink, policy RuntimePolicy, resolve Resolver) (Worker, error) {
	if statuses == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if store == nil {
		return nil, fmt.Errorf("platform store is required")
	}
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if meter == nil {
		meter = billing.NoopMeter{}
	}
	if resolve == nil {
		resolve = registry.Resolve
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &worker{
		cfg:      cfg,
		statuses: statuses,
		store:    store,
		queue:    queueStore,
		meter:    meter,
		observer: observer,
		policy:   NormalizeRuntimePolicy(policy),
		resolve:  resolve,
	}, nil
}

func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		if w.done == done {
			close(done)
			w.done = nil
		}
		w.mu.Unlock()
	}()

	heartbeat := time.NewTicker(w.policy.HeartbeatInterval)
	defer heartbeat.Stop()

	if err := w.store.SaveWorkerHeartbeat(runCtx, platform.WorkerHeartbeat{
		WorkerID:   w.cfg.WorkerID,
		Status:     "online",
		LastSeenAt: time.Now().UTC(),
		Capacity:   w.cfg.Capacity,
	}); err != nil {
		return err
	}
	for {
		select {
		case <-runCtx.Done():
			_ = w.store.SaveWorkerHeartbeat(context.Background(), platform.WorkerHeartbeat{
				WorkerID:   w.cfg.WorkerID,
				Status:     "offline",
				LastSeenAt: time.Now().UTC(),
				Capacity:   w.cfg.Capacity,
			})
			return runCtx.Err()
		case <-heartbeat.C:
			_ = w.store.SaveWorkerHeartbeat(runCtx, platform.WorkerHeartbeat{
				WorkerID:   w.cfg.WorkerID,
				Status:     "online",
				LastSeenAt: time.Now().UTC(),
				Capacity:   w.cfg.Capacity,
			})
			w.emit(runCtx, observe.Event{
				Kind:   observe.KindWorker,
				Status: observe.StatusCompleted,
				Name:   "worker.heartbeat",
				Attributes: map[string]any{
					"workerId": w.cfg.WorkerID,
				},
			})
		default:
			deliveries, err := w.queue.Claim(runCtx, w.cfg.WorkerID, w.policy.ClaimBlock, w.cfg.Capacity)
			if err != nil {
				select {
				case <-runCtx.Done():
					continue
				case <-time.After(w.policy.PollInterval):
				}
				continue
			}
			if len(deliveries) == 0 {
				select {
				case <-runCtx.Done():
					continue
				case <-time.After(w.policy.PollInterval):
				}
				continue
			}
			for _, delivery := range deliveries {
				if err := w.handleDelivery(runCtx, delivery); err != nil {
					w.emit(runCtx, observe.Event{
						JobID:    delivery.Job.JobID,
						TenantID: delivery.Job.TenantID,
						Kind:     observe.KindQueue,
						Status:   observe.StatusFailed,
						Name:     "queue.delivery.error",
						Error:    err.Error(),
						Attributes: map[string]any{
							"workerId": w.cfg.WorkerID,
						},
					})
				}
			}
		}
	}
}

func (w *worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) handleDelivery(ctx context.Context, delivery queue.Delivery) error {
	job := delivery.Job
	now := time.Now().UTC()
	if job.NotBefore != nil && now.Before(job.NotBefore.UTC()) {
		_, _ = w.queue.Requeue(ctx, job, "not_before", job.NotBefore.UTC().Sub(now))
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if job.JobID == "" {
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = w.policy.MaxAttempts
	}

	w.writeStatus(ctx, job.JobID, status.StatusInProgress)
	w.emit(ctx, observe.Event{
		JobID:      job.JobID,
		TenantID:   job.TenantID,
		Kind:       observe.KindQueue,
		Status:     observe.StatusStarted,
		Name:       "queue.claimed",
		Attributes: map[string]any{"workerId": w.cfg.WorkerID, "attempt": job.Attempt},
	})

	// Tenant isolation: the instance is loaded by (id, tenantID), never by id
	// alone. A missing or cross-tenant instance is a configuration error, not
	// a transient fault: fail terminally, skip the execution log, never
	// requeue.
	inst, err := w.store.AgentInstanceByID(ctx, job.AgentInstanceID, job.TenantID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return w.failFatal(ctx, delivery, job, fmt.Sprintf("unknown agent instance %q for tenant", job.AgentInstanceID))
		}
		return w.finishAttemptFailed(ctx, delivery, job, nil, fmt.Errorf("load agent instance: %w", err))
	}

	impl, err := w.resolve(inst.AgentType)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return w.failFatal(ctx, delivery, job, fmt.Sprintf("unknown agent type %q", inst.AgentType))
		}
		return w.finishAttemptFailed(ctx, delivery, job, &inst, fmt.Errorf("resolve agent type: %w", err))
	}

	rc := types.NewRunContext(job)
	onProgress := func(sr types.StepResult) {
		evStatus := observe.StatusCompleted
		if sr.Error != "" {
			evStatus = observe.StatusFailed
		}
		w.emit(ctx, observe.Event{
			JobID:      job.JobID,
			TenantID:   job.TenantID,
			Kind:       observe.KindStep,
			Status:     evStatus,
			Name:       "step.finished",
			AgentType:  inst.AgentType,
			StepName:   sr.Name,
			Error:      sr.Error,
			DurationMs: sr.FinishedAt.Sub(sr.StartedAt).Milliseconds(),
			Attributes: map[string]any{"index": sr.Index},
		})
	}

	out, runErr := impl.Run(ctx, inst, job, rc, workflow.ProgressFunc(onProgress))

	// The attempt reached execution, so it is metered — successful or not —
	// but only once per logical job across redeliveries.
	w.meterUsage(ctx, job)

	if runErr != nil {
		return w.finishAttemptFailed(ctx, delivery, job, &inst, runErr)
	}
	return w.finishAttemptCompleted(ctx, delivery, job, inst, out)
}

// failFatal handles non-retryable configuration errors: unknown instance for
// the tenant or unknown agent type. No execution log row is written and the
// job is never requeued.
func (w *worker) failFatal(ctx context.Context, delivery queue.Delivery, job types.Job, message string) error {
	w.writeError(ctx, job.JobID, message)
	w.writeStatus(ctx, job.JobID, status.StatusFailed)
	w.emit(ctx, observe.Event{
		JobID:    job.JobID,
		TenantID: job.TenantID,
		Kind:     observe.KindJob,
		Status:   observe.StatusFailed,
		Name:     "job.rejected",
		Error:    message,
	})
	return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
}

func (w *worker) finishAttemptCompleted(ctx context.Context, delivery queue.Delivery, job types.Job, inst types.Instance, out types.JobOutput) error {
	raw, err := json.Marshal(out)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"success":%t}`, out.Success))
	}

	logStatus := "completed"
	logError := ""
	if !out.Success {
		logStatus = "failed"
		logError = out.FirstError()
	}
	w.appendLog(ctx, job, inst.ID, string(raw), logStatus, logError)

	w.writeResult(ctx, job.JobID, raw)
	w.writeStatus(ctx, job.JobID, status.StatusCompleted)
	w.emit(ctx, observe.Event{
		JobID:     job.JobID,
		TenantID:  job.TenantID,
		Kind:      observe.KindJob,
		Status:    observe.StatusCompleted,
		Name:      "job.completed",
		AgentType: inst.AgentType,
		Attributes: map[string]any{
			"success":    out.Success,
			"steps":      len(out.Steps),
			"tokensUsed": out.TokensUsed,
		},
	})
	return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
}

func (w *worker) finishAttemptFailed(ctx context.Context, delivery queue.Delivery, job types.Job, inst *types.Instance, runErr error) error {
	errText := runErr.Error()
	instID := job.AgentInstanceID
	if inst != nil {
		instID = inst.ID
	}
	w.appendLog(ctx, job, instID, "", "failed", errText)

	if job.Attempt < job.MaxAttempts {
		next := job
		next.Attempt = job.Attempt + 1
		backoff := w.policy.Backoff(job.Attempt)
		_, _ = w.queue.Requeue(ctx, next, errText, backoff)
		w.writeStatus(ctx, job.JobID, status.StatusPending)
		w.emit(ctx, observe.Event{
			JobID:      job.JobID,
			TenantID:   job.TenantID,
			Kind:       observe.KindQueue,
			Status:     observe.StatusFailed,
			Name:       "queue.retried",
			Error:      errText,
			Attributes: map[string]any{"attempt": next.Attempt},
		})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	_, _ = w.queue.DeadLetter(ctx, delivery, errText)
	w.writeError(ctx, job.JobID, errText)
	w.writeStatus(ctx, job.JobID, status.StatusFailed)
	w.emit(ctx, observe.Event{
		JobID:      job.JobID,
		TenantID:   job.TenantID,
		Kind:       observe.KindQueue,
		Status:     observe.StatusFailed,
		Name:       "queue.dead_lettered",
		Error:      errText,
		Attributes: map[string]any{"attempt": job.Attempt},
	})
	return nil
}

// meterUsage counts one execution for the tenant and forwards it to billing.
// The SETNX guard in the status store keys the increment to the job id, so a
// queue redelivery of the same logical job does not double-count. Metering
// trouble is logged, never escalated: the execution log stays authoritative.
func (w *worker) meterUsage(ctx context.Context, job types.Job) {
	first, err := w.statuses.MarkMetered(ctx, job.JobID)
	if err != nil {
		w.emitMeterError(ctx, job, fmt.Errorf("mark metered: %w", err))
		return
	}
	if !first {
		return
	}
	if err := w.store.IncrementUsage(ctx, job.TenantID); err != nil {
		w.emitMeterError(ctx, job, fmt.Errorf("increment usage: %w", err))
	}
	tenant, err := w.store.TenantByID(ctx, job.TenantID)
	if err != nil {
		w.emitMeterError(ctx, job, fmt.Errorf("load tenant: %w", err))
		return
	}
	if !tenant.Metered() {
		return
	}
	if err := w.meter.RecordUsage(ctx, tenant.SubscriptionItemID, 1); err != nil {
		w.emitMeterError(ctx, job, fmt.Errorf("record usage: %w", err))
	}
}

func (w *worker) emitMeterError(ctx context.Context, job types.Job, err error) {
	w.emit(ctx, observe.Event{
		JobID:    job.JobID,
		TenantID: job.TenantID,
		Kind:     observe.KindJob,
		Status:   observe.StatusFailed,
		Name:     "job.metering.error",
		Error:    err.Error(),
	})
}

func (w *worker) appendLog(ctx context.Context, job types.Job, instanceID, output, logStatus, logError string) {
	err := w.store.AppendExecutionLog(ctx, platform.ExecutionLog{
		JobID:           job.JobID,
		AgentInstanceID: instanceID,
		TenantID:        job.TenantID,
		Attempt:         job.Attempt,
		Input:           string(job.Input),
		Output:          output,
		Status:          logStatus,
		Error:           logError,
	})
	if err != nil {
		w.emit(ctx, observe.Event{
			JobID:    job.JobID,
			TenantID: job.TenantID,
			Kind:     observe.KindJob,
			Status:   observe.StatusFailed,
			Name:     "job.log.error",
			Error:    err.Error(),
		})
	}
}

// writeStatus, writeResult, and writeError retry transient status-store
// failures a bounded number of times and then give up with a logged event:
// losing a status update is recoverable (clients re-poll or read the
// execution log), losing the queue ack is not.
func (w *worker) writeStatus(ctx context.Context, jobID string, st status.JobStatus) {
	w.statusWrite(ctx, jobID, "status", func() error {
		return w.statuses.SetStatus(ctx, jobID, st)
	})
}

func (w *worker) writeResult(ctx context.Context, jobID string, raw []byte) {
	w.statusWrite(ctx, jobID, "result", func() error {
		return w.statuses.SetResult(ctx, jobID, raw)
	})
}

func (w *worker) writeError(ctx context.Context, jobID string, message string) {
	w.statusWrite(ctx, jobID, "error", func() error {
		return w.statuses.SetError(ctx, jobID, message)
	})
}

func (w *worker) statusWrite(ctx context.Context, jobID, field string, write func() error) {
	var err error
	for attempt := 0; attempt < w.policy.StatusWriteRetries; attempt++ {
		if err = write(); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.policy.BaseBackoff):
		}
	}
	w.emit(ctx, observe.Event{
		JobID:  jobID,
		Kind:   observe.KindJob,
		Status: observe.StatusFailed,
		Name:   "status.write.error",
		Error:  fmt.Sprintf("dropped %s write after %d attempts: %v", field, w.policy.StatusWriteRetries, err),
	})
}

func (w *worker) emit(ctx context.Context, event observe.Event) {
	if w == nil || w.observer == nil {
		return
	}
	event.Normalize()
	_ = w.observer.Emit(ctx, event)
}

var _ Worker = (*worker)(nil)
