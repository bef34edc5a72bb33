// Package platform is the worker's narrow view of the relational datastore
// shared with the web application: agent instances, tenants and their usage
// counters, the append-only execution log, and worker heartbeats. The web
// side owns the rest of the schema.
package platform

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/loopcrew/agent-engine/types"
)

//go:embed schema.sql
var platformSchema string

var ErrNotFound = errors.New("platform: not found")

type Tenant struct {
	ID                 string    `db:"id" json:"id"`
	Handle             string    `db:"handle" json:"handle"`
	Plan               string    `db:"plan" json:"plan"`
	SubscriptionItemID string    `db:"subscription_item_id" json:"subscriptionItemId"`
	AgentRuns          int64     `db:"agent_runs" json:"agentRuns"`
	CreatedAt          time.Time `db:"-" json:"createdAt"`
}

// Metered reports whether the tenant has an active metered subscription.
func (t Tenant) Metered() bool {
	return t.SubscriptionItemID != ""
}

// ExecutionLog is the durable audit record: one row per job attempt, written
// by the worker and nobody else.
type ExecutionLog struct {
	ID              int64     `db:"id" json:"id"`
	JobID           string    `db:"job_id" json:"jobId"`
	AgentInstanceID string    `db:"agent_instance_id" json:"agentInstanceId"`
	TenantID        string    `db:"tenant_id" json:"tenantId"`
	Attempt         int       `db:"attempt" json:"attempt"`
	Input           string    `db:"input" json:"input"`
	Output          string    `db:"output" json:"output"`
	Status          string    `db:"status" json:"status"`
	Error           string    `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time `db:"-" json:"createdAt"`
}

type WorkerHeartbeat struct {
	WorkerID   string    `db:"worker_id" json:"workerId"`
	Status     string    `db:"status" json:"status"`
	LastSeenAt time.Time `db:"-" json:"lastSeenAt"`
	Capacity   int       `db:"capacity" json:"capacity"`
}

type Store struct {
	db *sqlx.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), platformSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize platform schema: %w", err)
	}
	return &Store{db: db}, nil
}

// AgentInstanceByID loads one agent instance by the (id, tenantID) compound
// key. Looking up by id alone is deliberately not offered: a job carrying the
// wrong tenant must not be able to reach another tenant's instance.
func (s *Store) AgentInstanceByID(ctx context.Context, id, tenantID string) (types.Instance, error) {
	if id == "" || tenantID == "" {
		return types.Instance{}, fmt.Errorf("instance id and tenant id are required")
	}
	var row struct {
		ID           string `db:"id"`
		TenantID     string `db:"tenant_id"`
		AgentType    string `db:"agent_type"`
		Name         string `db:"name"`
		Instructions string `db:"instructions"`
		Model        string `db:"model"`
		Settings     string `db:"settings"`
	}
	const q = `
SELECT id, tenant_id, agent_type, name, instructions, model, settings
FROM agent_instances
WHERE id = ? AND tenant_id = ?;
`
	if err := s.db.GetContext(ctx, &row, q, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Instance{}, fmt.Errorf("%w: agent instance %q for tenant %q", ErrNotFound, id, tenantID)
		}
		return types.Instance{}, fmt.Errorf("load agent instance: %w", err)
	}
	return types.Instance{
		ID:           row.ID,
		TenantID:     row.TenantID,
		AgentType:    row.AgentType,
		Name:         row.Name,
		Instructions: row.Instructions,
		Model:        row.Model,
		Settings:     json.RawMessage(row.Settings),
	}, nil
}

func (s *Store) TenantByID(ctx context.Context, id string) (Tenant, error) {
	if id == "" {
		return Tenant{}, fmt.Errorf("tenant id is required")
	}
	var row struct {
		Tenant
		CreatedAt string `db:"created_at"`
	}
	const q = `
SELECT id, handle, plan, subscription_item_id, agent_runs, created_at
FROM tenants
WHERE id = ?;
`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, fmt.Errorf("%w: tenant %q", ErrNotFound, id)
		}
		return Tenant{}, fmt.Errorf("load tenant: %w", err)
	}
	t := row.Tenant
	t.CreatedAt = parseTime(row.CreatedAt)
	return t, nil
}

// IncrementUsage bumps the tenant's execution counter by one. The increment
// is a single UPDATE so concurrent workers never race a read-modify-write.
func (s *Store) IncrementUsage(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET agent_runs = agent_runs + 1 WHERE id = ?;`, tenantID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: tenant %q", ErrNotFound, tenantID)
	}
	return nil
}

// AppendExecutionLog writes one audit row. Rows are append-only; replays of
// the same job produce additional rows rather than updates.
func (s *Store) AppendExecutionLog(ctx context.Context, rec ExecutionLog) error {
	if rec.JobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if rec.TenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if rec.Status == "" {
		return fmt.Errorf("status is required")
	}
	if rec.Attempt <= 0 {
		rec.Attempt = 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO execution_logs (job_id, agent_instance_id, tenant_id, attempt, input, output, status, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		rec.JobID,
		rec.AgentInstanceID,
		rec.TenantID,
		rec.Attempt,
		rec.Input,
		rec.Output,
		rec.Status,
		rec.Error,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

func (s *Store) ListExecutionLogs(ctx context.Context, tenantID string, limit int) ([]ExecutionLog, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, job_id, agent_instance_id, tenant_id, attempt, input, output, status, error, created_at
FROM execution_logs
WHERE tenant_id = ?
ORDER BY id DESC
LIMIT ?;
`
	rows, err := s.db.QueryxContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()
	out := make([]ExecutionLog, 0, limit)
	for rows.Next() {
		var row struct {
			ExecutionLog
			CreatedAt string `db:"created_at"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		rec := row.ExecutionLog
		rec.CreatedAt = parseTime(row.CreatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution logs: %w", err)
	}
	return out, nil
}

func (s *Store) SaveWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("workerID is required")
	}
	if hb.Status == "" {
		hb.Status = "online"
	}
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = time.Now().UTC()
	}
	const q = `
INSERT INTO worker_heartbeats (worker_id, status, last_seen_at, capacity)
VALUES (?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
  status=excluded.status,
  last_seen_at=excluded.last_seen_at,
  capacity=excluded.capacity;
`
	_, err := s.db.ExecContext(ctx, q, hb.WorkerID, hb.Status, hb.LastSeenAt.UTC().Format(time.RFC3339Nano), hb.Capacity)
	if err != nil {
		return fmt.Errorf("save heartbeat: %w", err)
	}
	return nil
}

func (s *Store) ListWorkerHeartbeats(ctx context.Context, limit int) ([]WorkerHeartbeat, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT worker_id, status, last_seen_at, capacity
FROM worker_heartbeats
ORDER BY last_seen_at DESC
LIMIT ?;
`
	rows, err := s.db.QueryxContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list worker heartbeats: %w", err)
	}
	defer rows.Close()
	out := make([]WorkerHeartbeat, 0, limit)
	for rows.Next() {
		var row struct {
			WorkerHeartbeat
			LastSeenAt string `db:"last_seen_at"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb := row.WorkerHeartbeat
		hb.LastSeenAt = parseTime(row.LastSeenAt)
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeats: %w", err)
	}
	return out, nil
}

// CreateTenant and CreateAgentInstance seed records normally owned by the web
// application. They exist for local development and tests.
func (s *Store) CreateTenant(ctx context.Context, t Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if t.Plan == "" {
		t.Plan = "free"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO tenants (id, handle, plan, subscription_item_id, agent_runs, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q, t.ID, t.Handle, t.Plan, t.SubscriptionItemID, t.AgentRuns, t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *Store) CreateAgentInstance(ctx context.Context, inst types.Instance) error {
	if inst.ID == "" || inst.TenantID == "" {
		return fmt.Errorf("instance id and tenant id are required")
	}
	if inst.AgentType == "" {
		return fmt.Errorf("agent type is required")
	}
	settings := string(inst.Settings)
	if settings == "" {
		settings = "{}"
	}
	const q = `
INSERT INTO agent_instances (id, tenant_id, agent_type, name, instructions, model, settings, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q, inst.ID, inst.TenantID, inst.AgentType, inst.Name, inst.Instructions, inst.Model, settings, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create agent instance: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
