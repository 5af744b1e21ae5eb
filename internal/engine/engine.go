// Package engine runs the monitoring cycle: it pulls recent errors, matches them against the pattern
// registry, dispatches remediations for patterns over threshold and aggregates component health.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/notify"
	"github.com/miradorstack/mirador-heal/internal/patterns"
	"github.com/miradorstack/mirador-heal/internal/remediation"
	"github.com/miradorstack/mirador-heal/internal/sources"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// DefaultInterval is the period between scheduled check cycles.
const DefaultInterval = 30 * time.Second

// DefaultProbeTimeout bounds each health probe.
const DefaultProbeTimeout = 3 * time.Second

// Options wires an Engine.
type Options struct {
	Logger       *slog.Logger
	Clock        utils.Clock
	Registry     *patterns.Registry
	Dispatcher   *remediation.Dispatcher
	Sources      *sources.Chain
	Notifier     notify.Sink
	Probes       []Probe
	Interval     time.Duration
	ProbeTimeout time.Duration
	SendAlerts   bool
	ExecuteFixes bool
}

// Engine owns one monitoring loop and the health view of the process.
type Engine struct {
	logger       *slog.Logger
	clock        utils.Clock
	registry     *patterns.Registry
	dispatcher   *remediation.Dispatcher
	sources      *sources.Chain
	notifier     notify.Sink
	probes       []Probe
	interval     time.Duration
	probeTimeout time.Duration
	sendAlerts   bool
	executeFixes bool
	tracer       trace.Tracer

	// cycleMu serializes check cycles, scheduled or on demand.
	cycleMu sync.Mutex

	stateMu    sync.RWMutex
	lastReport *models.CheckReport
	lastHealth *models.HealthSnapshot
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: pattern registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("engine: remediation dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	if opts.Sources == nil {
		opts.Sources = sources.NewChain(opts.Logger, 0)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	return &Engine{
		logger:       opts.Logger,
		clock:        opts.Clock,
		registry:     opts.Registry,
		dispatcher:   opts.Dispatcher,
		sources:      opts.Sources,
		notifier:     opts.Notifier,
		probes:       opts.Probes,
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		sendAlerts:   opts.SendAlerts,
		executeFixes: opts.ExecuteFixes,
		tracer:       otel.Tracer("github.com/miradorstack/mirador-heal/internal/engine"),
	}, nil
}

// Interval returns the scheduling period.
func (e *Engine) Interval() time.Duration { return e.interval }

// Defaults returns the alert and execution flags used by scheduled cycles.
func (e *Engine) Defaults() (sendAlerts, executeFixes bool) {
	return e.sendAlerts, e.executeFixes
}

// Flush waits for fix counter updates still in flight. Call it before closing the stores.
func (e *Engine) Flush() {
	e.dispatcher.Flush()
}

// Frequencies returns the registry's per-pattern frequency view.
func (e *Engine) Frequencies(ctx context.Context) []models.FrequencySnapshot {
	e.registry.RefreshIfStale(ctx)
	return e.registry.Snapshot()
}

// FixStats returns per fix type execution counters.
func (e *Engine) FixStats() []remediation.FixStats {
	return e.dispatcher.Stats()
}

// ReloadPatterns forces the registry to reload from its store.
func (e *Engine) ReloadPatterns(ctx context.Context) (int, error) {
	if err := e.registry.Reload(ctx); err != nil {
		return e.registry.Len(), err
	}
	return e.registry.Len(), nil
}

// LastReport returns the most recent completed cycle report.
func (e *Engine) LastReport() (models.CheckReport, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.lastReport == nil {
		return models.CheckReport{}, false
	}
	return *e.lastReport, true
}

// LastHealth returns the most recent health snapshot.
func (e *Engine) LastHealth() (models.HealthSnapshot, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.lastHealth == nil {
		return models.HealthSnapshot{}, false
	}
	return *e.lastHealth, true
}
