// Package notify delivers human-readable alert summaries produced by the engine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// ErrThrottled is returned when a notification is dropped by a rate limit.
var ErrThrottled = errors.New("notification throttled")

// Notification is one alert.
type Notification struct {
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Severity    models.Severity `json:"severity"`
	Escalate    bool            `json:"escalate"`
	PatternID   int64           `json:"pattern_id,omitempty"`
	PatternName string          `json:"pattern_name,omitempty"`
	FixType     string          `json:"fix_type,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	Details     map[string]any  `json:"details,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Sink receives notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Severity {
	case models.SeverityHigh, models.SeverityCritical:
		level = slog.LevelError
	case models.SeverityMedium:
		level = slog.LevelWarn
	}
	if n.Escalate {
		level = slog.LevelError
	}
	logger.Log(ctx, level, n.Title,
		slog.String("message", n.Message),
		slog.String("severity", string(n.Severity)),
		slog.Bool("escalate", n.Escalate),
		slog.Int64("pattern_id", n.PatternID),
		slog.String("fix_type", n.FixType),
		slog.String("outcome", n.Outcome))
	return nil
}

// WebhookSink posts notifications as JSON.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// WithHTTPClient overrides the HTTP client.
func (s *WebhookSink) WithHTTPClient(client *http.Client) *WebhookSink {
	if client != nil {
		s.httpClient = client
	}
	return s
}

// Notify implements Sink.
func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if s.url == "" {
		return fmt.Errorf("empty webhook url")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// RateLimited drops notifications beyond the configured rate. Escalations always pass.
type RateLimited struct {
	next    Sink
	limiter *rate.Limiter
}

// NewRateLimited allows one notification per interval with the given burst.
func NewRateLimited(next Sink, interval time.Duration, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Notify implements Sink.
func (r *RateLimited) Notify(ctx context.Context, n Notification) error {
	if !n.Escalate && !r.limiter.Allow() {
		return ErrThrottled
	}
	return r.next.Notify(ctx, n)
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
