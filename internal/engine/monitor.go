package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/notify"
	"github.com/miradorstack/mirador-heal/internal/remediation"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

type patternGroup struct {
	pattern models.ErrorPattern
	count   int
	sample  string
}

// CheckErrorPatterns runs one full cycle. It blocks while another cycle is in progress.
func (e *Engine) CheckErrorPatterns(ctx context.Context, sendAlerts, executeFixes bool) models.CheckReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.runCycle(ctx, sendAlerts, executeFixes)
}

// tick is the scheduled entry point; it drops the tick when a cycle is already running.
func (e *Engine) tick(ctx context.Context) {
	if !e.cycleMu.TryLock() {
		metrics.IncCycleSkipped()
		e.logger.Debug("check cycle still running; tick skipped")
		return
	}
	defer e.cycleMu.Unlock()
	e.runCycle(ctx, e.sendAlerts, e.executeFixes)
}

func (e *Engine) runCycle(ctx context.Context, sendAlerts, executeFixes bool) (report models.CheckReport) {
	report = models.CheckReport{
		CycleID:   uuid.NewString(),
		StartedAt: e.clock.Now(),
	}
	ctx, span := e.tracer.Start(ctx, "engine.check_error_patterns", trace.WithAttributes(
		attribute.String("cycle_id", report.CycleID),
		attribute.Bool("send_alerts", sendAlerts),
		attribute.Bool("execute_fixes", executeFixes),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		metrics.ObserveCycle(report.Duration)
		e.storeReport(report)
	}()

	batch := e.sources.Fetch(ctx)
	report.Source = batch.Source
	report.Warnings = append(report.Warnings, batch.Warnings...)
	report.ErrorsScanned = len(batch.Errors)
	if report.ErrorsScanned == 0 {
		e.logger.Debug("no recent errors", slog.String("cycle_id", report.CycleID))
		span.SetAttributes(attribute.Int("errors_scanned", 0))
		return report
	}
	metrics.ObserveErrorsScanned(batch.Source, report.ErrorsScanned)

	detected := e.registry.MatchBatch(ctx, batch.Errors, batch.Source)
	groups := groupByPattern(detected)
	report.PatternsMatched = len(groups)

	for _, g := range groups {
		metrics.ObservePatternMatch(g.pattern.Name)
		match := models.PatternMatch{
			PatternID:   g.pattern.ID,
			PatternName: g.pattern.Name,
			Severity:    g.pattern.Severity,
			Count:       g.count,
			Frequency:   e.registry.Frequency(g.pattern.ID, 0),
			Triggered:   e.registry.ShouldTrigger(g.pattern.ID),
			Sample:      g.sample,
		}
		report.Matches = append(report.Matches, match)
		if !match.Triggered {
			continue
		}

		rr, warn := e.remediate(ctx, report.CycleID, g, match.Frequency, sendAlerts, executeFixes)
		if warn != "" {
			report.Warnings = append(report.Warnings, warn)
		}
		if rr == nil {
			continue
		}
		report.Remediations = append(report.Remediations, *rr)
		if rr.Executed {
			report.RemediationsTriggered++
		}
	}

	span.SetAttributes(
		attribute.Int("errors_scanned", report.ErrorsScanned),
		attribute.Int("patterns_matched", report.PatternsMatched),
		attribute.Int("remediations_triggered", report.RemediationsTriggered),
	)
	if len(report.Warnings) > 0 {
		span.SetStatus(codes.Error, "cycle completed with warnings")
	}
	e.logger.Info("check cycle complete",
		slog.String("cycle_id", report.CycleID),
		slog.String("source", report.Source),
		slog.Int("errors_scanned", report.ErrorsScanned),
		slog.Int("patterns_matched", report.PatternsMatched),
		slog.Int("remediations_triggered", report.RemediationsTriggered))
	return report
}

// groupByPattern keeps the order in which patterns were first seen in the batch.
func groupByPattern(detected []models.DetectedError) []*patternGroup {
	index := make(map[int64]*patternGroup)
	var groups []*patternGroup
	for _, d := range detected {
		g, ok := index[d.Pattern.ID]
		if !ok {
			g = &patternGroup{pattern: d.Pattern, sample: d.MatchedText}
			index[d.Pattern.ID] = g
			groups = append(groups, g)
		}
		g.count++
	}
	return groups
}

func (e *Engine) remediate(ctx context.Context, cycleID string, g *patternGroup, frequency int, sendAlerts, executeFixes bool) (*models.RemediationReport, string) {
	p := g.pattern
	rr := &models.RemediationReport{PatternID: p.ID, PatternName: p.Name}

	fix, err := e.dispatcher.FixFor(ctx, p.ID)
	if err != nil {
		e.logger.Warn("fix lookup failed", slog.Int64("pattern_id", p.ID), slog.Any("error", err))
		return nil, fmt.Sprintf("fix lookup for pattern %d: %v", p.ID, err)
	}
	if fix == nil {
		e.logger.Info("pattern over threshold with no remediation configured",
			slog.Int64("pattern_id", p.ID), slog.String("pattern", p.Name), slog.Int("frequency", frequency))
		rr.Message = "no remediation configured"
		return rr, ""
	}
	rr.FixID = fix.ID
	rr.FixType = fix.FixType

	if !executeFixes {
		rr.Message = "fix execution disabled"
		e.logger.Info("remediation available but not executed",
			slog.Int64("pattern_id", p.ID), slog.String("fix_type", string(fix.FixType)))
		return rr, ""
	}

	rc := map[string]any{
		remediation.ContextPatternID:   p.ID,
		remediation.ContextPatternName: p.Name,
		remediation.ContextErrorCount:  frequency,
		remediation.ContextSample:      g.sample,
		remediation.ContextCycleID:     cycleID,
	}
	result := e.dispatcher.Execute(ctx, fix, rc)
	e.registry.RecordRemediation(p.ID)
	e.dispatcher.LogRemediation(ctx, p.ID, fix.ID, result, rc)

	rr.Executed = true
	rr.Outcome = result.Outcome
	rr.Message = result.Message
	rr.DurationMS = result.DurationMS()

	if sendAlerts && fix.FixType != models.FixAlertOnly {
		e.notifyOutcome(ctx, p, fix, result)
	}
	return rr, ""
}

func (e *Engine) notifyOutcome(ctx context.Context, p models.ErrorPattern, fix *models.RemediationFix, result models.RemediationResult) {
	if e.notifier == nil {
		return
	}
	failed := result.Outcome == models.OutcomeFailure
	n := notify.Notification{
		Title:       fmt.Sprintf("remediation %s for %s", result.Outcome, p.Name),
		Message:     result.Message,
		Severity:    p.Severity,
		Escalate:    failed && (p.Severity == models.SeverityHigh || p.Severity == models.SeverityCritical),
		PatternID:   p.ID,
		PatternName: p.Name,
		FixType:     string(fix.FixType),
		Outcome:     string(result.Outcome),
		Details:     result.Details,
		Timestamp:   e.clock.Now(),
	}
	err := e.notifier.Notify(ctx, n)
	if errors.Is(err, notify.ErrThrottled) {
		e.logger.Debug("remediation notification throttled", slog.Int64("pattern_id", p.ID))
		return
	}
	utils.BestEffort(e.logger, "engine.notify", err, slog.Int64("pattern_id", p.ID))
}

func (e *Engine) storeReport(r models.CheckReport) {
	e.stateMu.Lock()
	e.lastReport = &r
	e.stateMu.Unlock()
}

// Run schedules cycles every interval until ctx is cancelled. Cancellation stops new ticks and waits
// for the cycle in flight, which is allowed to finish.
func (e *Engine) Run(ctx context.Context) error {
	cycleCtx := context.WithoutCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.logger})))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", e.interval), func() { e.tick(cycleCtx) }); err != nil {
		return utils.NewAppError("engine.Run", "schedule check cycle", err)
	}

	e.logger.Info("monitoring loop started", slog.Duration("interval", e.interval))
	c.Start()
	<-ctx.Done()

	e.logger.Info("monitoring loop stopping")
	<-c.Stop().Done()
	e.logger.Info("monitoring loop stopped")
	return nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		metrics.IncCycleSkipped()
	}
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
