package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loopcrew/agent-engine/platform"
	"github.com/loopcrew/agent-engine/queue"
	"github.com/loopcrew/agent-engine/status"
	"github.com/loopcrew/agent-engine/worker"
)

type stubJobService struct {
	submitted []worker.SubmitRequest
	submitErr error
	statuses  map[string]status.Record
	stats     queue.Stats
	workers   []platform.WorkerHeartbeat
	dlq       []queue.Delivery
	requeued  []string
}

func (s *stubJobService) SubmitJob(ctx context.Context, req worker.SubmitRequest) (worker.SubmitResult, error) {
	if s.submitErr != nil {
		return worker.SubmitResult{}, s.submitErr
	}
	s.submitted = append(s.submitted, req)
	return worker.SubmitResult{JobID: "job-123", MessageID: "msg-1", EnqueuedAt: time.Now().UTC()}, nil
}

func (s *stubJobService) JobStatus(ctx context.Context, jobID string) (status.Record, error) {
	rec, ok := s.statuses[jobID]
	if !ok {
		return status.Record{}, status.ErrNotFound
	}
	return rec, nil
}

func (s *stubJobService) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.stats, nil
}

func (s *stubJobService) ListWorkers(ctx context.Context, limit int) ([]platform.WorkerHeartbeat, error) {
	return s.workers, nil
}

func (s *stubJobService) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	return s.dlq, nil
}

func (s *stubJobService) RequeueDLQ(ctx context.Context, id string, resetAttempt bool) (string, error) {
	s.requeued = append(s.requeued, id)
	return "msg-requeued", nil
}

func newTestServer(t *testing.T, jobs JobService) *httptest.Server {
	t.Helper()
	srv, err := NewServer(Config{Jobs: jobs})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestSubmitJob(t *testing.T) {
	stub := &stubJobService{}
	ts := newTestServer(t, stub)

	body := `{"tenantId":"tenant-1","agentInstanceId":"inst-1","input":{"topic":"sneakers"}}`
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var out submitJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.JobID != "job-123" || out.Status != "pending" {
		t.Fatalf("unexpected response %+v", out)
	}
	if len(stub.submitted) != 1 || stub.submitted[0].TenantID != "tenant-1" {
		t.Fatalf("unexpected submissions %+v", stub.submitted)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	ts := newTestServer(t, &stubJobService{})

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"tenantId":"tenant-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitJobUnknownInstance(t *testing.T) {
	stub := &stubJobService{submitErr: platform.ErrNotFound}
	ts := newTestServer(t, stub)

	body := `{"tenantId":"tenant-1","agentInstanceId":"nope"}`
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestJobStatus(t *testing.T) {
	stub := &stubJobService{
		statuses: map[string]status.Record{
			"job-9": {JobID: "job-9", Status: status.StatusCompleted, Result: json.RawMessage(`{"success":true}`)},
		},
	}
	ts := newTestServer(t, stub)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/job-9")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rec status.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != status.StatusCompleted {
		t.Fatalf("unexpected record %+v", rec)
	}

	missing, err := http.Get(ts.URL + "/api/v1/jobs/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", missing.StatusCode)
	}
}

func TestQueueStatsAndWorkers(t *testing.T) {
	stub := &stubJobService{
		stats: queue.Stats{StreamLength: 3, DLQLength: 1, Pending: 2},
		workers: []platform.WorkerHeartbeat{
			{WorkerID: "w-1", Status: "online", Capacity: 1},
		},
	}
	ts := newTestServer(t, stub)

	resp, err := http.Get(ts.URL + "/api/v1/queue/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats queue.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.StreamLength != 3 || stats.DLQLength != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	wresp, err := http.Get(ts.URL + "/api/v1/workers")
	if err != nil {
		t.Fatal(err)
	}
	defer wresp.Body.Close()
	var workers []platform.WorkerHeartbeat
	if err := json.NewDecoder(wresp.Body).Decode(&workers); err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "w-1" {
		t.Fatalf("unexpected workers %+v", workers)
	}
}

func TestLogsRequireTenant(t *testing.T) {
	srv, err := NewServer(Config{Jobs: &stubJobService{}, Logs: logListerFunc(func(ctx context.Context, tenantID string, limit int) ([]platform.ExecutionLog, error) {
		return []platform.ExecutionLog{{JobID: "job-1", TenantID: tenantID}}, nil
	})})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant_id, got %d", resp.StatusCode)
	}

	ok, err := http.Get(ts.URL + "/api/v1/logs?tenant_id=tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	defer ok.Body.Close()
	var rows []platform.ExecutionLog
	if err := json.NewDecoder(ok.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].TenantID != "tenant-1" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestDLQRequeue(t *testing.T) {
	stub := &stubJobService{}
	ts := newTestServer(t, stub)

	resp, err := http.Post(ts.URL+"/api/v1/queue/dlq/requeue", "application/json", strings.NewReader(`{"id":"1-0","resetAttempt":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(stub.requeued) != 1 || stub.requeued[0] != "1-0" {
		t.Fatalf("unexpected requeues %v", stub.requeued)
	}
}

type logListerFunc func(ctx context.Context, tenantID string, limit int) ([]platform.ExecutionLog, error)

func (f logListerFunc) ListExecutionLogs(ctx context.Context, tenantID string, limit int) ([]platform.ExecutionLog, error) {
	return f(ctx, tenantID, limit)
}
