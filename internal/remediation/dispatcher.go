// Package remediation maps fix types onto handlers, executes them with timing and outcome capture,
// and records the counters and audit trail of every attempt.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

const (
	DefaultHandlerTimeout = 60 * time.Second
	DefaultStoreTimeout   = 2 * time.Second
)

// Keys of the context map passed to handlers and written to the audit trail.
const (
	ContextPatternID   = "pattern_id"
	ContextPatternName = "pattern_name"
	ContextErrorCount  = "error_count"
	ContextSample      = "sample"
	ContextCycleID     = "cycle_id"
)

// Store persists fix bindings, fix counters and the audit log.
type Store interface {
	FixForPattern(ctx context.Context, patternID int64) (*models.RemediationFix, error)
	IncrementFixCounter(ctx context.Context, fixID int64, success bool, at time.Time) error
	InsertAudit(ctx context.Context, rec models.AuditRecord) error
}

// HandlerFunc performs one fix. It returns the outcome, message and details; the dispatcher fills
// in the fix type and duration. A returned error becomes a failure result.
type HandlerFunc func(ctx context.Context, cfg Config, rc map[string]any) (models.RemediationResult, error)

// Options tunes a Dispatcher.
type Options struct {
	HandlerTimeout time.Duration
	StoreTimeout   time.Duration
	Clock          utils.Clock
	// ValidateConfig runs the per-fix-type schema before each execution.
	ValidateConfig bool
}

// FixStats summarises executions of one fix type.
type FixStats struct {
	FixType    models.FixType           `json:"fix_type"`
	Executions int64                    `json:"executions"`
	Outcomes   map[models.Outcome]int64 `json:"outcomes"`
	P95        time.Duration            `json:"p95"`
}

type fixStats struct {
	outcomes map[models.Outcome]int64
	latency  *utils.LatencyTracker
}

// Dispatcher executes remediation fixes.
type Dispatcher struct {
	store  Store
	logger *slog.Logger
	opts   Options
	tracer trace.Tracer

	handlersMu sync.RWMutex
	handlers   map[models.FixType]HandlerFunc

	statsMu sync.Mutex
	stats   map[models.FixType]*fixStats

	pending sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given handler table.
func NewDispatcher(logger *slog.Logger, store Store, handlers map[models.FixType]HandlerFunc, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	d := &Dispatcher{
		store:    store,
		logger:   logger,
		opts:     opts,
		tracer:   otel.Tracer("github.com/miradorstack/mirador-heal/internal/remediation"),
		handlers: make(map[models.FixType]HandlerFunc, len(handlers)),
		stats:    make(map[models.FixType]*fixStats),
	}
	for ft, h := range handlers {
		d.handlers[ft] = h
	}
	return d
}

// Register binds a handler to a fix type, replacing any previous one.
func (d *Dispatcher) Register(ft models.FixType, h HandlerFunc) {
	d.handlersMu.Lock()
	d.handlers[ft] = h
	d.handlersMu.Unlock()
}

func (d *Dispatcher) handler(ft models.FixType) (HandlerFunc, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[ft]
	return h, ok && h != nil
}

// FixFor returns the lowest-priority enabled fix for the pattern, or nil when none is configured.
func (d *Dispatcher) FixFor(ctx context.Context, patternID int64) (*models.RemediationFix, error) {
	if d.store == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	fix, err := d.store.FixForPattern(ctx, patternID)
	if err != nil {
		return nil, utils.NewAppError("remediation.FixFor", fmt.Sprintf("lookup fix for pattern %d", patternID), err)
	}
	if fix != nil && !fix.Enabled {
		return nil, nil
	}
	return fix, nil
}

// Execute runs the fix's handler. It never panics and never returns an error: every problem is a
// failure result. Unregistered fix types yield skipped with no counter change.
func (d *Dispatcher) Execute(ctx context.Context, fix *models.RemediationFix, rc map[string]any) models.RemediationResult {
	if fix == nil {
		return models.RemediationResult{Outcome: models.OutcomeSkipped, Message: "no remediation configured"}
	}
	h, ok := d.handler(fix.FixType)
	if !ok {
		return models.RemediationResult{
			Outcome: models.OutcomeSkipped,
			FixType: fix.FixType,
			Message: fmt.Sprintf("no handler registered for fix type %q", fix.FixType),
		}
	}

	ctx, span := d.tracer.Start(ctx, "remediation.execute", trace.WithAttributes(
		attribute.String("fix_type", string(fix.FixType)),
		attribute.Int64("fix_id", fix.ID),
		attribute.Int64("pattern_id", fix.PatternID),
	))
	defer span.End()

	start := time.Now()
	result := d.run(ctx, h, fix, rc)
	result.FixType = fix.FixType
	result.Duration = time.Since(start)

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if result.Outcome == models.OutcomeFailure {
		span.SetStatus(codes.Error, result.Message)
	}

	level := slog.LevelInfo
	if result.Outcome == models.OutcomeFailure {
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "remediation executed",
		slog.Int64("fix_id", fix.ID),
		slog.Int64("pattern_id", fix.PatternID),
		slog.String("fix_type", string(fix.FixType)),
		slog.String("outcome", string(result.Outcome)),
		slog.Duration("duration", result.Duration),
		slog.String("message", result.Message))

	metrics.ObserveRemediation(string(fix.FixType), string(result.Outcome), result.Duration)
	d.observe(fix.FixType, result)
	if result.Outcome != models.OutcomeSkipped {
		d.updateCounter(fix, result.Outcome.Succeeded())
	}
	return result
}

type handlerReturn struct {
	result models.RemediationResult
	err    error
}

func (d *Dispatcher) run(ctx context.Context, h HandlerFunc, fix *models.RemediationFix, rc map[string]any) models.RemediationResult {
	if d.opts.ValidateConfig {
		if err := ValidateConfig(fix.FixType, fix.Config); err != nil {
			return models.RemediationResult{Outcome: models.OutcomeFailure, Message: err.Error()}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("remediation handler panicked",
					slog.String("fix_type", string(fix.FixType)),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				done <- handlerReturn{err: fmt.Errorf("panic during remediation: %v", rec)}
			}
		}()
		res, err := h(ctx, Config(fix.Config), rc)
		done <- handlerReturn{result: res, err: err}
	}()

	select {
	case ret := <-done:
		if ret.err != nil {
			return models.RemediationResult{Outcome: models.OutcomeFailure, Message: ret.err.Error(), Details: ret.result.Details}
		}
		if !validOutcome(ret.result.Outcome) {
			ret.result.Message = fmt.Sprintf("handler returned invalid outcome %q: %s", ret.result.Outcome, ret.result.Message)
			ret.result.Outcome = models.OutcomeFailure
		}
		return ret.result
	case <-ctx.Done():
		return models.RemediationResult{
			Outcome: models.OutcomeFailure,
			Message: fmt.Sprintf("remediation aborted: %v", ctx.Err()),
		}
	}
}

func validOutcome(o models.Outcome) bool {
	switch o {
	case models.OutcomeSuccess, models.OutcomeFailure, models.OutcomeSkipped, models.OutcomePartial:
		return true
	}
	return false
}

func (d *Dispatcher) updateCounter(fix *models.RemediationFix, success bool) {
	if d.store == nil || fix.ID == 0 {
		return
	}
	at := d.opts.Clock.Now()
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.StoreTimeout)
		defer cancel()
		utils.BestEffort(d.logger, "remediation.IncrementFixCounter",
			d.store.IncrementFixCounter(ctx, fix.ID, success, at),
			slog.Int64("fix_id", fix.ID),
			slog.Bool("success", success))
	}()
}

// Flush waits for pending counter updates.
func (d *Dispatcher) Flush() {
	d.pending.Wait()
}

// LogRemediation appends one audit row. Zero ids are recorded as absent. Store failures are logged.
func (d *Dispatcher) LogRemediation(ctx context.Context, patternID, fixID int64, result models.RemediationResult, rc map[string]any) {
	details := make(map[string]any, len(result.Details)+len(rc)+2)
	for k, v := range rc {
		details[k] = v
	}
	for k, v := range result.Details {
		details[k] = v
	}
	details["fix_type"] = string(result.FixType)
	details["message"] = result.Message

	rec := models.AuditRecord{
		Outcome:    result.Outcome,
		Details:    details,
		DurationMS: result.DurationMS(),
		CreatedAt:  d.opts.Clock.Now(),
	}
	if patternID != 0 {
		rec.PatternID = &patternID
	}
	if fixID != 0 {
		rec.FixID = &fixID
	}

	if d.store == nil {
		d.logger.Info("remediation audit", slog.Any("record", rec))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	utils.BestEffort(d.logger, "remediation.LogRemediation", d.store.InsertAudit(ctx, rec),
		slog.Int64("pattern_id", patternID),
		slog.Int64("fix_id", fixID),
		slog.String("outcome", string(result.Outcome)))
}

func (d *Dispatcher) observe(ft models.FixType, result models.RemediationResult) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s, ok := d.stats[ft]
	if !ok {
		s = &fixStats{outcomes: make(map[models.Outcome]int64), latency: utils.NewLatencyTracker(256)}
		d.stats[ft] = s
	}
	s.outcomes[result.Outcome]++
	s.latency.Observe(result.Duration)
}

// Stats returns per fix type execution counts and p95 latency.
func (d *Dispatcher) Stats() []FixStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	out := make([]FixStats, 0, len(d.stats))
	for ft, s := range d.stats {
		outcomes := make(map[models.Outcome]int64, len(s.outcomes))
		for o, n := range s.outcomes {
			outcomes[o] = n
		}
		out = append(out, FixStats{
			FixType:    ft,
			Executions: s.latency.Total(),
			Outcomes:   outcomes,
			P95:        s.latency.Percentile(95),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FixType < out[j].FixType })
	return out
}
