// Package notify delivers recovery callbacks to the caller population.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"idemgate/internal/adapters/http/perf"
	domain "idemgate/internal/domain/idempotency"
)

// DefaultTimeout bounds one delivery.
const DefaultTimeout = 10 * time.Second

// Payload is the JSON body POSTed for each recoverable record.
type Payload struct {
	Scope              string `json:"scope"`
	IdempotencyKey     string `json:"idempotency_key"`
	PayloadFingerprint string `json:"payload_fingerprint"`
	Status             string `json:"status"`
	AttemptCount       int    `json:"attempt_count"`
	Replay             bool   `json:"replay"`
}

// PayloadFor builds the callback body for rec.
func PayloadFor(rec domain.Record) Payload {
	return Payload{
		Scope:              rec.Scope,
		IdempotencyKey:     rec.IdempotencyKey,
		PayloadFingerprint: rec.PayloadFingerprint,
		Status:             string(rec.Status),
		AttemptCount:       rec.AttemptCount,
		Replay:             true,
	}
}

// Webhook POSTs one JSON payload per record to a fixed URL. Delivery is at
// least once; receivers de-duplicate on X-Idemgate-Delivery or on the key.
type Webhook struct {
	url       string
	host      string
	client    *http.Client
	userAgent string
	collector *perf.Collector
}

// WebhookOption customises a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client (its Timeout is left as given).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithTimeout sets the per-delivery timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.client = &http.Client{Timeout: d}
		}
	}
}

// WithVersion sets the version reported in User-Agent.
func WithVersion(v string) WebhookOption {
	return func(w *Webhook) { w.userAgent = "idemgate/" + v }
}

// WithCollector records each delivery's latency and result.
func WithCollector(c *perf.Collector) WebhookOption {
	return func(w *Webhook) { w.collector = c }
}

// NewWebhook validates target and returns a notifier for it.
// PRE: target is an absolute http or https URL
// POST: Returns a ready notifier or an error describing the bad URL
func NewWebhook(target string, opts ...WebhookOption) (*Webhook, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse callback url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("callback url %q must be an absolute http(s) URL", target)
	}

	w := &Webhook{
		url:       u.String(),
		host:      u.Host,
		client:    &http.Client{Timeout: DefaultTimeout},
		userAgent: "idemgate/dev",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Notify sends one delivery for rec.
// PRE: ctx is valid
// POST: Returns nil only for a 2xx response
func (w *Webhook) Notify(ctx context.Context, rec domain.Record) (err error) {
	body, err := json.Marshal(PayloadFor(rec))
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("X-Idemgate-Delivery", uuid.New().String())

	start := time.Now()
	status := 0
	defer func() { w.observe(start, status, err) }()

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback for %s: %w", rec.Key(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver callback for %s: unexpected status %d", rec.Key(), resp.StatusCode)
	}
	return nil
}

func (w *Webhook) observe(start time.Time, status int, err error) {
	if w.collector == nil {
		return
	}
	w.collector.Record(perf.Entry{
		Kind:       perf.KindDelivery,
		Path:       w.host,
		StatusCode: status,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Timestamp:  start,
		Failed:     err != nil,
	})
}
