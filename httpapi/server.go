// Package httpapi exposes the engine to the web application: job submission,
// status polling, and operator visibility into the queue and worker fleet.
// It is a thin JSON layer; all behavior lives in the worker package.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loopcrew/agent-engine/platform"
	"github.com/loopcrew/agent-engine/queue"
	"github.com/loopcrew/agent-engine/status"
	"github.com/loopcrew/agent-engine/types"
	"github.com/loopcrew/agent-engine/worker"
)

// JobService is the coordinator surface the API needs. *worker.Coordinator
// satisfies it.
type JobService interface {
	SubmitJob(ctx context.Context, req worker.SubmitRequest) (worker.SubmitResult, error)
	JobStatus(ctx context.Context, jobID string) (status.Record, error)
	QueueStats(ctx context.Context) (queue.Stats, error)
	ListWorkers(ctx context.Context, limit int) ([]platform.WorkerHeartbeat, error)
	ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error)
	RequeueDLQ(ctx context.Context, id string, resetAttempt bool) (string, error)
}

// LogLister reads the execution audit log. *platform.Store satisfies it.
type LogLister interface {
	ListExecutionLogs(ctx context.Context, tenantID string, limit int) ([]platform.ExecutionLog, error)
}

type Config struct {
	Addr string
	Jobs JobService
	Logs LogLister
}

type Server struct {
	cfg  Config
	mux  *http.ServeMux
	http *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job service is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8090"
	}
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/v1/jobs/", s.handleJobStatus)
	s.mux.HandleFunc("/api/v1/queue/stats", s.handleQueueStats)
	s.mux.HandleFunc("/api/v1/queue/dlq", s.handleDLQ)
	s.mux.HandleFunc("/api/v1/queue/dlq/requeue", s.handleDLQRequeue)
	s.mux.HandleFunc("/api/v1/workers", s.handleWorkers)
	s.mux.HandleFunc("/api/v1/logs", s.handleLogs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitJobRequest struct {
	TenantID        string          `json:"tenantId"`
	AgentInstanceID string          `json:"agentInstanceId"`
	Input           json.RawMessage `json:"input,omitempty"`
	Mode            string          `json:"mode,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	MaxAttempts     int             `json:"maxAttempts,omitempty"`
}

type submitJobResponse struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.AgentInstanceID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("tenantId and agentInstanceId are required"))
		return
	}
	res, err := s.cfg.Jobs.SubmitJob(r.Context(), worker.SubmitRequest{
		TenantID:        req.TenantID,
		AgentInstanceID: req.AgentInstanceID,
		Input:           req.Input,
		Mode:            types.Mode(req.Mode),
		Context:         req.Context,
		MaxAttempts:     req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("agent instance not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{
		JobID:      res.JobID,
		Status:     string(status.StatusPending),
		EnqueuedAt: res.EnqueuedAt,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	jobID = strings.Trim(jobID, "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("job id is required"))
		return
	}
	rec, err := s.cfg.Jobs.JobStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	stats, err := s.cfg.Jobs.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	rows, err := s.cfg.Jobs.ListDLQ(r.Context(), parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type dlqRequeueRequest struct {
	ID           string `json:"id"`
	ResetAttempt bool   `json:"resetAttempt,omitempty"`
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req dlqRequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("id is required"))
		return
	}
	msgID, err := s.cfg.Jobs.RequeueDLQ(r.Context(), req.ID, req.ResetAttempt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": msgID})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	rows, err := s.cfg.Jobs.ListWorkers(r.Context(), parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.Logs == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("execution log store not configured"))
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("tenant_id is required"))
		return
	}
	rows, err := s.cfg.Logs.ListExecutionLogs(r.Context(), tenantID, parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
