package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/loopcrew/agent-engine/platform"
	"github.com/loopcrew/agent-engine/status"
	"github.com/loopcrew/agent-engine/types"
)

func TestCoordinatorSubmitJob(t *testing.T) {
	plat := newFakePlatform()
	plat.addInstance(types.Instance{ID: "inst-1", TenantID: "tenant-1", AgentType: "prompt"})
	q := &fakeQueue{}
	st := newFakeStatusStore()

	c, err := NewCoordinator(st, plat, q, nil, DefaultRuntimePolicy())
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.SubmitJob(context.Background(), SubmitRequest{
		TenantID:        "tenant-1",
		AgentInstanceID: "inst-1",
		Input:           []byte(`{"topic":"fits"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.JobID == "" || res.MessageID == "" {
		t.Fatalf("missing ids in %+v", res)
	}

	rec, err := c.JobStatus(context.Background(), res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != status.StatusPending {
		t.Fatalf("expected pending, got %q", rec.Status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(q.pending))
	}
	job := q.pending[0].Job
	if job.TenantID != "tenant-1" || job.AgentInstanceID != "inst-1" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Mode != types.ModeManual {
		t.Fatalf("expected manual default mode, got %q", job.Mode)
	}
	if job.Attempt != 1 || job.MaxAttempts != DefaultRuntimePolicy().MaxAttempts {
		t.Fatalf("unexpected attempt bookkeeping %d/%d", job.Attempt, job.MaxAttempts)
	}
}

func TestCoordinatorRejectsUnknownInstance(t *testing.T) {
	plat := newFakePlatform()
	plat.addInstance(types.Instance{ID: "inst-1", TenantID: "tenant-other", AgentType: "prompt"})
	q := &fakeQueue{}
	st := newFakeStatusStore()

	c, err := NewCoordinator(st, plat, q, nil, DefaultRuntimePolicy())
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.SubmitJob(context.Background(), SubmitRequest{
		TenantID:        "tenant-1",
		AgentInstanceID: "inst-1",
	})
	if !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) != 0 {
		t.Fatal("rejected submissions must not enqueue")
	}
}

func TestCoordinatorRequiresTenant(t *testing.T) {
	plat := newFakePlatform()
	c, err := NewCoordinator(newFakeStatusStore(), plat, &fakeQueue{}, nil, DefaultRuntimePolicy())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SubmitJob(context.Background(), SubmitRequest{AgentInstanceID: "inst-1"}); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}
