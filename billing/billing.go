// Package billing forwards usage to the external metering service. The
// service is a black box: one increment per completed job attempt, and a
// failure here is an operational annoyance, never a job failure.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Meter interface {
	RecordUsage(ctx context.Context, subscriptionItemID string, quantity int) error
}

// MeterFunc adapts a function to the Meter interface.
type MeterFunc func(ctx context.Context, subscriptionItemID string, quantity int) error

func (f MeterFunc) RecordUsage(ctx context.Context, subscriptionItemID string, quantity int) error {
	if f == nil {
		return nil
	}
	return f(ctx, subscriptionItemID, quantity)
}

// NoopMeter is used when no metering backend is configured.
type NoopMeter struct{}

func (NoopMeter) RecordUsage(ctx context.Context, subscriptionItemID string, quantity int) error {
	_ = ctx
	_ = subscriptionItemID
	_ = quantity
	return nil
}

// HTTPMeter posts usage increments to the metering collaborator.
type HTTPMeter struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type Option func(*HTTPMeter)

func WithAPIKey(key string) Option {
	return func(m *HTTPMeter) { m.apiKey = key }
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *HTTPMeter) {
		if client != nil {
			m.client = client
		}
	}
}

func NewHTTPMeter(endpoint string, opts ...Option) (*HTTPMeter, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("metering endpoint is required")
	}
	m := &HTTPMeter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type usageEvent struct {
	SubscriptionItemID string `json:"subscriptionItemId"`
	Quantity           int    `json:"quantity"`
	RecordedAt         string `json:"recordedAt"`
}

func (m *HTTPMeter) RecordUsage(ctx context.Context, subscriptionItemID string, quantity int) error {
	if subscriptionItemID == "" {
		return fmt.Errorf("subscription item id is required")
	}
	if quantity <= 0 {
		quantity = 1
	}
	payload, err := json.Marshal(usageEvent{
		SubscriptionItemID: subscriptionItemID,
		Quantity:           quantity,
		RecordedAt:         time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("metering service returned %s", resp.Status)
	}
	return nil
}

var (
	_ Meter = (*HTTPMeter)(nil)
	_ Meter = NoopMeter{}
)
