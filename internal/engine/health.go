package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/providers"
	"github.com/miradorstack/mirador-heal/internal/repo"
)

// ErrDegraded marks a probe result as degraded rather than failed.
var ErrDegraded = errors.New("degraded")

// Probe checks one dependency. A nil error is healthy; an error wrapping ErrDegraded is degraded.
type Probe interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) (map[string]any, error)
}

type probeFunc struct {
	name     string
	critical bool
	fn       func(ctx context.Context) (map[string]any, error)
}

func (p probeFunc) Name() string   { return p.name }
func (p probeFunc) Critical() bool { return p.critical }
func (p probeFunc) Check(ctx context.Context) (map[string]any, error) {
	return p.fn(ctx)
}

// NewProbe adapts a function to a Probe.
func NewProbe(name string, critical bool, fn func(ctx context.Context) (map[string]any, error)) Probe {
	return probeFunc{name: name, critical: critical, fn: fn}
}

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe probes p; details, when set, is sampled after a successful ping.
func PingProbe(name string, critical bool, p Pinger, details func() map[string]any) Probe {
	return NewProbe(name, critical, func(ctx context.Context) (map[string]any, error) {
		if err := p.Ping(ctx); err != nil {
			return nil, err
		}
		if details == nil {
			return nil, nil
		}
		return details(), nil
	})
}

// ProviderStatusSource reports upstream model provider status.
type ProviderStatusSource interface {
	Configured() bool
	Status(ctx context.Context) (repo.ProviderStatus, error)
}

// ProviderProbe combines the upstream status endpoint with the local circuit view. Either may be nil.
func ProviderProbe(source ProviderStatusSource, tracker *providers.Tracker) Probe {
	return NewProbe("providers", false, func(ctx context.Context) (map[string]any, error) {
		details := map[string]any{}
		var degraded []string

		if source != nil && source.Configured() {
			status, err := source.Status(ctx)
			if err != nil {
				return details, err
			}
			details["status"] = status.Status
			if !status.Healthy() {
				return details, fmt.Errorf("upstream status %q", status.Status)
			}
			degraded = append(degraded, status.Degraded()...)
		}

		if tracker != nil {
			circuits := tracker.Snapshot()
			var open []string
			for _, c := range circuits {
				if c.State == providers.Open.String() {
					open = append(open, c.Name)
				}
			}
			details["circuits"] = circuits
			if len(circuits) > 0 && len(open) == len(circuits) {
				return details, fmt.Errorf("all provider circuits open")
			}
			degraded = append(degraded, open...)
		}

		if len(degraded) > 0 {
			sort.Strings(degraded)
			details["degraded"] = degraded
			return details, fmt.Errorf("%w: %v", ErrDegraded, degraded)
		}
		return details, nil
	})
}

// SystemHealth runs every probe concurrently and aggregates a verdict.
func (e *Engine) SystemHealth(ctx context.Context) models.HealthSnapshot {
	components := make([]models.ComponentHealth, len(e.probes))

	var g errgroup.Group
	for i, p := range e.probes {
		g.Go(func() error {
			components[i] = e.runProbe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	snap := models.HealthSnapshot{
		Status:     Verdict(components),
		Components: components,
		CheckedAt:  e.clock.Now(),
	}
	for _, c := range components {
		metrics.SetComponentHealth(c.Name, c.Status != models.HealthUnhealthy)
	}

	e.stateMu.Lock()
	e.lastHealth = &snap
	e.stateMu.Unlock()

	if snap.Status != models.HealthHealthy {
		e.logger.Warn("system health", slog.String("status", string(snap.Status)))
	}
	return snap
}

func (e *Engine) runProbe(ctx context.Context, p Probe) (c models.ComponentHealth) {
	c = models.ComponentHealth{Name: p.Name(), Critical: p.Critical()}
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		c.Latency = time.Since(start)
		if r := recover(); r != nil {
			c.Status = models.HealthUnhealthy
			c.Message = fmt.Sprintf("probe panic: %v", r)
		}
	}()

	details, err := p.Check(probeCtx)
	c.Details = details
	switch {
	case err == nil:
		c.Status = models.HealthHealthy
	case errors.Is(err, ErrDegraded):
		c.Status = models.HealthDegraded
		c.Message = err.Error()
	default:
		c.Status = models.HealthUnhealthy
		c.Message = err.Error()
		e.logger.Warn("health probe failed", slog.String("component", c.Name), slog.Any("error", err))
	}
	return c
}

// Verdict is unhealthy when a critical component fails or a strict majority of components fail,
// degraded when anything is not healthy, and healthy otherwise.
func Verdict(components []models.ComponentHealth) models.HealthStatus {
	failed, degraded := 0, 0
	for _, c := range components {
		switch c.Status {
		case models.HealthUnhealthy:
			if c.Critical {
				return models.HealthUnhealthy
			}
			failed++
		case models.HealthDegraded:
			degraded++
		}
	}
	if failed*2 > len(components) {
		return models.HealthUnhealthy
	}
	if failed > 0 || degraded > 0 {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}
