package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/notify"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// CacheTarget is the shared cache client.
type CacheTarget interface {
	Reconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// PoolTarget is the relational connection pool.
type PoolTarget interface {
	ReleaseIdle(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// ProviderTarget is the upstream provider health tracker.
type ProviderTarget interface {
	Trip(name, reason string)
	IsAvailable(name string) bool
}

// StreamingTarget is the live streaming connection registry.
type StreamingTarget interface {
	MarkStale(maxAge time.Duration) int
	Count() int
}

// CacheInvalidator clears named caches.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, name string) (int, error)
}

// JobTarget is the background job store.
type JobTarget interface {
	RunawayJobs(ctx context.Context, maxRuntime time.Duration, limit int) ([]models.Job, error)
	MarkJobFailed(ctx context.Context, jobID, reason string) error
}

// Targets collects the resources fix handlers act on. A nil target leaves its fix type without a
// handler, so fixes of that type are skipped.
type Targets struct {
	Cache     CacheTarget
	Pool      PoolTarget
	Providers ProviderTarget
	Streaming StreamingTarget
	Caches    CacheInvalidator
	Jobs      JobTarget
	Notifier  notify.Sink

	// JobMaxRuntime is the kill_runaway_jobs default when a fix omits max_runtime_minutes.
	JobMaxRuntime time.Duration
	// Clock stamps alert notifications. Nil means the system clock.
	Clock utils.Clock
}

// DefaultHandlers builds the handler table for the available targets.
func DefaultHandlers(logger *slog.Logger, t Targets) map[models.FixType]HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	h := make(map[models.FixType]HandlerFunc)
	if t.Cache != nil {
		h[models.FixReconnectCache] = reconnectCache(t.Cache)
	}
	if t.Pool != nil {
		h[models.FixReleaseIdleConnections] = releaseIdleConnections(t.Pool)
	}
	if t.Providers != nil {
		h[models.FixCircuitBreakProvider] = circuitBreakProvider(t.Providers)
	}
	if t.Streaming != nil {
		h[models.FixResetStreamingConnections] = resetStreamingConnections(t.Streaming)
	}
	if t.Caches != nil {
		h[models.FixClearCaches] = clearCaches(logger, t.Caches)
	}
	if t.Jobs != nil {
		h[models.FixKillRunawayJobs] = killRunawayJobs(logger, t.Jobs, t.JobMaxRuntime)
	}
	if t.Notifier != nil {
		clock := t.Clock
		if clock == nil {
			clock = utils.SystemClock{}
		}
		h[models.FixAlertOnly] = alertOnly(t.Notifier, clock)
	}
	return h
}

// retry runs op up to attempts times with a constant delay between attempts and returns the
// number of attempts made.
func retry(ctx context.Context, attempts int, delay time.Duration, op func() error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	made := 0
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		made++
		return op()
	}, b)
	return made, err
}

func result(outcome models.Outcome, msg string, details map[string]any) models.RemediationResult {
	return models.RemediationResult{Outcome: outcome, Message: msg, Details: details}
}

func reconnectCache(target CacheTarget) HandlerFunc {
	return func(ctx context.Context, cfg Config, _ map[string]any) (models.RemediationResult, error) {
		attempts := cfg.Int("max_retries", 3)
		delay := cfg.Seconds("retry_delay_seconds", 1)

		made, err := retry(ctx, attempts, delay, func() error {
			if err := target.Reconnect(ctx); err != nil {
				return err
			}
			return target.Ping(ctx)
		})
		details := map[string]any{"attempts": made}
		if err != nil {
			return result(models.OutcomeFailure, fmt.Sprintf("cache still unreachable after %d attempts: %v", made, err), details), nil
		}
		return result(models.OutcomeSuccess, fmt.Sprintf("cache reconnected after %d attempt(s)", made), details), nil
	}
}

func releaseIdleConnections(target PoolTarget) HandlerFunc {
	return func(ctx context.Context, cfg Config, _ map[string]any) (models.RemediationResult, error) {
		released, err := target.ReleaseIdle(ctx)
		if err != nil {
			return models.RemediationResult{}, fmt.Errorf("release idle connections: %w", err)
		}
		details := map[string]any{"released": released}

		if settle := cfg.Seconds("settle_seconds", 0); settle > 0 {
			select {
			case <-time.After(settle):
			case <-ctx.Done():
				return models.RemediationResult{}, ctx.Err()
			}
		}

		if err := target.Ping(ctx); err != nil {
			return result(models.OutcomePartial, fmt.Sprintf("released %d idle connection(s) but pool is still unhealthy: %v", released, err), details), nil
		}
		return result(models.OutcomeSuccess, fmt.Sprintf("released %d idle connection(s)", released), details), nil
	}
}

func circuitBreakProvider(target ProviderTarget) HandlerFunc {
	return func(ctx context.Context, cfg Config, rc map[string]any) (models.RemediationResult, error) {
		provider := cfg.String("provider", "")
		if provider == "" {
			return models.RemediationResult{}, errors.New("provider is required")
		}
		reason := cfg.String("reason", "")
		if reason == "" {
			reason = fmt.Sprintf("error pattern %v exceeded its threshold", rc[ContextPatternName])
		}
		target.Trip(provider, reason)

		fallbacks := cfg.Strings("fallback_providers")
		details := map[string]any{"provider": provider}
		if len(fallbacks) == 0 {
			return result(models.OutcomeSuccess, fmt.Sprintf("circuit opened for %s", provider), details), nil
		}

		var chosen string
		made, err := retry(ctx, cfg.Int("max_retries", 3), cfg.Seconds("retry_delay_seconds", 1), func() error {
			for _, fb := range fallbacks {
				if fb != provider && target.IsAvailable(fb) {
					chosen = fb
					return nil
				}
			}
			return fmt.Errorf("no fallback available among %s", strings.Join(fallbacks, ", "))
		})
		details["attempts"] = made
		if err != nil {
			return result(models.OutcomeFailure, fmt.Sprintf("circuit opened for %s; %v", provider, err), details), nil
		}
		details["fallback"] = chosen
		return result(models.OutcomePartial, fmt.Sprintf("circuit opened for %s; traffic can fall back to %s", provider, chosen), details), nil
	}
}

func resetStreamingConnections(target StreamingTarget) HandlerFunc {
	return func(_ context.Context, cfg Config, _ map[string]any) (models.RemediationResult, error) {
		maxAge := cfg.Seconds("max_age_seconds", 300)
		flagged := target.MarkStale(maxAge)
		return result(models.OutcomeSuccess,
			fmt.Sprintf("flagged %d streaming connection(s) older than %s for reset", flagged, maxAge),
			map[string]any{"flagged": flagged, "active": target.Count()}), nil
	}
}

func clearCaches(logger *slog.Logger, target CacheInvalidator) HandlerFunc {
	return func(ctx context.Context, cfg Config, _ map[string]any) (models.RemediationResult, error) {
		names := cfg.Strings("cache_names")
		if len(names) == 0 {
			return models.RemediationResult{}, errors.New("cache_names is required")
		}

		cleared := make([]string, 0, len(names))
		failed := make(map[string]string)
		removed := 0
		for _, name := range names {
			n, err := target.Invalidate(ctx, name)
			removed += n
			if err != nil {
				logger.Warn("cache invalidation failed", slog.String("cache", name), slog.Any("error", err))
				failed[name] = err.Error()
				continue
			}
			cleared = append(cleared, name)
		}

		details := map[string]any{"cleared": cleared, "entries_removed": removed}
		if len(failed) > 0 {
			details["failed"] = failed
		}
		switch {
		case len(failed) == 0:
			return result(models.OutcomeSuccess, fmt.Sprintf("cleared %d cache(s)", len(cleared)), details), nil
		case len(cleared) == 0:
			return result(models.OutcomeFailure, fmt.Sprintf("failed to clear all %d cache(s)", len(names)), details), nil
		default:
			return result(models.OutcomePartial, fmt.Sprintf("cleared %d of %d cache(s)", len(cleared), len(names)), details), nil
		}
	}
}

func killRunawayJobs(logger *slog.Logger, target JobTarget, defaultRuntime time.Duration) HandlerFunc {
	defaultMinutes := 30
	if m := int(defaultRuntime / time.Minute); m > 0 {
		defaultMinutes = m
	}
	return func(ctx context.Context, cfg Config, _ map[string]any) (models.RemediationResult, error) {
		maxMinutes := cfg.Int("max_runtime_minutes", defaultMinutes)
		jobs, err := target.RunawayJobs(ctx, time.Duration(maxMinutes)*time.Minute, cfg.Int("limit", 50))
		if err != nil {
			return models.RemediationResult{}, fmt.Errorf("query runaway jobs: %w", err)
		}
		if len(jobs) == 0 {
			return result(models.OutcomeSuccess, "no runaway jobs found", map[string]any{"killed": 0}), nil
		}

		reason := fmt.Sprintf("exceeded maximum runtime of %d minutes", maxMinutes)
		killed := make([]string, 0, len(jobs))
		failed := 0
		for _, job := range jobs {
			if err := target.MarkJobFailed(ctx, job.ID, reason); err != nil {
				logger.Warn("failed to mark runaway job", slog.String("job_id", job.ID), slog.Any("error", err))
				failed++
				continue
			}
			killed = append(killed, job.ID)
		}

		details := map[string]any{"killed": len(killed), "failed": failed, "job_ids": killed}
		switch {
		case failed == 0:
			return result(models.OutcomeSuccess, fmt.Sprintf("marked %d runaway job(s) failed", len(killed)), details), nil
		case len(killed) == 0:
			return result(models.OutcomeFailure, fmt.Sprintf("could not mark any of %d runaway job(s) failed", len(jobs)), details), nil
		default:
			return result(models.OutcomePartial, fmt.Sprintf("marked %d of %d runaway job(s) failed", len(killed), len(jobs)), details), nil
		}
	}
}

func alertOnly(sink notify.Sink, clock utils.Clock) HandlerFunc {
	return func(ctx context.Context, cfg Config, rc map[string]any) (models.RemediationResult, error) {
		name, _ := rc[ContextPatternName].(string)
		msg := cfg.String("message", "")
		if msg == "" {
			msg = fmt.Sprintf("error pattern %q exceeded its threshold (%v occurrences)", name, rc[ContextErrorCount])
		}
		n := notify.Notification{
			Title:       "mirador-heal alert: " + name,
			Message:     msg,
			Severity:    models.ParseSeverity(cfg.String("severity", "warning")),
			Escalate:    cfg.Bool("escalate", false),
			PatternName: name,
			FixType:     string(models.FixAlertOnly),
			Details:     rc,
			Timestamp:   clock.Now(),
		}
		if id, ok := rc[ContextPatternID].(int64); ok {
			n.PatternID = id
		}

		err := sink.Notify(ctx, n)
		switch {
		case errors.Is(err, notify.ErrThrottled):
			return result(models.OutcomeSkipped, "alert suppressed by rate limit", nil), nil
		case err != nil:
			return models.RemediationResult{}, fmt.Errorf("deliver alert: %w", err)
		}
		return result(models.OutcomeSuccess, "alert delivered",
			map[string]any{"severity": string(n.Severity), "escalate": n.Escalate}), nil
	}
}
