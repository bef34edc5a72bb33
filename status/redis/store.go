package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loopcrew/agent-engine/status"
)

// Terminal results are retained for a bounded window so the store does not
// grow with job volume; clients that miss it fall back to the execution log.
const defaultTTL = 24 * time.Hour

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &Store{
		ttl:  defaultTTL,
		addr: addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) SetStatus(ctx context.Context, jobID string, st status.JobStatus) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if st == "" {
		return fmt.Errorf("status is required")
	}
	if err := s.client.Set(ctx, s.statusKey(jobID), string(st), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}
	return nil
}

func (s *Store) SetResult(ctx context.Context, jobID string, result []byte) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if err := s.client.Set(ctx, s.resultKey(jobID), string(result), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set job result: %w", err)
	}
	return nil
}

func (s *Store) SetError(ctx context.Context, jobID string, message string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if err := s.client.Set(ctx, s.errorKey(jobID), message, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set job error: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (status.Record, error) {
	if jobID == "" {
		return status.Record{}, fmt.Errorf("jobID is required")
	}
	values, err := s.client.MGet(ctx, s.statusKey(jobID), s.resultKey(jobID), s.errorKey(jobID)).Result()
	if err != nil {
		return status.Record{}, fmt.Errorf("failed to load job status: %w", err)
	}
	rec := status.Record{JobID: jobID}
	if raw, ok := values[0].(string); ok && raw != "" {
		rec.Status = status.JobStatus(raw)
	}
	if rec.Status == "" {
		return status.Record{}, status.ErrNotFound
	}
	if raw, ok := values[1].(string); ok && raw != "" {
		rec.Result = []byte(raw)
	}
	if raw, ok := values[2].(string); ok {
		rec.Error = raw
	}
	return rec, nil
}

func (s *Store) MarkMetered(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("jobID is required")
	}
	ok, err := s.client.SetNX(ctx, s.meteredKey(jobID), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark job metered: %w", err)
	}
	return ok, nil
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) statusKey(jobID string) string {
	return fmt.Sprintf("agent-job:%s:status", jobID)
}

func (s *Store) resultKey(jobID string) string {
	return fmt.Sprintf("agent-job:%s:result", jobID)
}

func (s *Store) errorKey(jobID string) string {
	return fmt.Sprintf("agent-job:%s:error", jobID)
}

func (s *Store) meteredKey(jobID string) string {
	return fmt.Sprintf("agent-job:%s:metered", jobID)
}

var _ status.Store = (*Store)(nil)
