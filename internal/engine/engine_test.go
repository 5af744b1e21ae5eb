package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/notify"
	"github.com/miradorstack/mirador-heal/internal/patterns"
	"github.com/miradorstack/mirador-heal/internal/remediation"
	"github.com/miradorstack/mirador-heal/internal/sources"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

type staticSource struct {
	name  string
	lines []string
	err   error
}

func (s *staticSource) Name() string { return s.name }

// RecentErrors hands out the queued lines once, like the real buffer.
func (s *staticSource) RecentErrors(context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	lines := s.lines
	s.lines = nil
	return lines, nil
}

// memList is an in-memory recent-error list with the Redis head-pop semantics.
type memList struct {
	mu    sync.Mutex
	lines []string
}

func (m *memList) PopErrors(_ context.Context, _ string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := limit
	if n > len(m.lines) {
		n = len(m.lines)
	}
	out := append([]string(nil), m.lines[:n]...)
	m.lines = m.lines[n:]
	return out, nil
}

func (m *memList) PushError(_ context.Context, _ string, msg string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append([]string{msg}, m.lines...)
	return nil
}

type fixStore struct {
	mu       sync.Mutex
	fixes    map[int64]*models.RemediationFix
	audits   []models.AuditRecord
	success  int
	failures int
}

func (s *fixStore) FixForPattern(_ context.Context, patternID int64) (*models.RemediationFix, error) {
	return s.fixes[patternID], nil
}

func (s *fixStore) IncrementFixCounter(_ context.Context, _ int64, success bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.success++
	} else {
		s.failures++
	}
	return nil
}

func (s *fixStore) InsertAudit(_ context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

type captureSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureSink) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func cacheDown() models.ErrorPattern {
	return models.ErrorPattern{
		ID:                     1,
		Name:                   "cache-down",
		Regex:                  "(?i)connection refused",
		Severity:               models.SeverityHigh,
		Enabled:                true,
		ThresholdCount:         3,
		ThresholdWindowMinutes: 5,
		CooldownMinutes:        5,
	}
}

type harness struct {
	engine *Engine
	source *staticSource
	store  *fixStore
	sink   *captureSink
	calls  *int
	clock  *utils.ManualClock
}

func newHarness(t *testing.T, fixes map[int64]*models.RemediationFix, pats ...models.ErrorPattern) *harness {
	t.Helper()
	src := &staticSource{name: "redis_buffer"}
	h := newHarnessWithSource(t, src, fixes, pats...)
	h.source = src
	return h
}

func newHarnessWithSource(t *testing.T, src sources.Source, fixes map[int64]*models.RemediationFix, pats ...models.ErrorPattern) *harness {
	t.Helper()
	clock := utils.NewManualClock(time.Time{})
	logger := utils.DiscardLogger()

	reg := patterns.NewRegistry(logger, patterns.StoreFuncs{
		List: func(context.Context) ([]models.ErrorPattern, error) { return pats, nil },
	}, patterns.Options{Clock: clock})

	if fixes == nil {
		fixes = map[int64]*models.RemediationFix{}
	}
	store := &fixStore{fixes: fixes}
	calls := 0
	disp := remediation.NewDispatcher(logger, store, map[models.FixType]remediation.HandlerFunc{
		models.FixReconnectCache: func(ctx context.Context, cfg remediation.Config, rc map[string]any) (models.RemediationResult, error) {
			calls++
			return models.RemediationResult{Outcome: models.OutcomeSuccess, Message: "reconnected"}, nil
		},
	}, remediation.Options{Clock: clock})

	sink := &captureSink{}
	eng, err := New(Options{
		Logger:     logger,
		Clock:      clock,
		Registry:   reg,
		Dispatcher: disp,
		Sources:    sources.NewChain(logger, time.Second, src),
		Notifier:   sink,
	})
	require.NoError(t, err)
	return &harness{engine: eng, store: store, sink: sink, calls: &calls, clock: clock}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestCheckWithoutSourceDataIsNoop(t *testing.T) {
	h := newHarness(t, nil, cacheDown())
	h.source.err = errors.New("redis down")

	report := h.engine.CheckErrorPatterns(context.Background(), true, true)
	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, 0, report.ErrorsScanned)
	assert.Equal(t, 0, report.PatternsMatched)
	assert.Equal(t, 0, report.RemediationsTriggered)
	assert.Len(t, report.Warnings, 1)

	last, ok := h.engine.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.CycleID, last.CycleID)
}

func TestPatternWithoutFixTriggersNothing(t *testing.T) {
	h := newHarness(t, nil, cacheDown())
	h.source.lines = []string{"connection refused", "connection refused", "Connection refused", "unrelated"}

	report := h.engine.CheckErrorPatterns(context.Background(), true, true)
	assert.Equal(t, 4, report.ErrorsScanned)
	assert.Equal(t, 1, report.PatternsMatched)
	assert.Equal(t, 0, report.RemediationsTriggered)
	require.Len(t, report.Matches, 1)
	assert.True(t, report.Matches[0].Triggered)
	assert.Equal(t, 3, report.Matches[0].Count)
	require.Len(t, report.Remediations, 1)
	assert.False(t, report.Remediations[0].Executed)
	assert.Empty(t, h.store.audits)
}

func TestFullRemediationFlow(t *testing.T) {
	fix := &models.RemediationFix{ID: 7, PatternID: 1, FixType: models.FixReconnectCache, Enabled: true}
	h := newHarness(t, map[int64]*models.RemediationFix{1: fix}, cacheDown())
	h.source.lines = []string{"connection refused", "connection refused"}

	report := h.engine.CheckErrorPatterns(context.Background(), true, true)
	assert.Equal(t, 0, report.RemediationsTriggered)
	assert.False(t, report.Matches[0].Triggered)

	h.clock.Advance(30 * time.Second)
	h.source.lines = []string{"connection refused"}
	report = h.engine.CheckErrorPatterns(context.Background(), true, true)
	require.Equal(t, 1, report.RemediationsTriggered)
	rr := report.Remediations[0]
	assert.True(t, rr.Executed)
	assert.Equal(t, models.OutcomeSuccess, rr.Outcome)
	assert.Equal(t, models.FixReconnectCache, rr.FixType)
	assert.Equal(t, int64(7), rr.FixID)
	assert.Equal(t, 1, *h.calls)

	h.engine.dispatcher.Flush()
	require.Len(t, h.store.audits, 1)
	audit := h.store.audits[0]
	require.NotNil(t, audit.PatternID)
	require.NotNil(t, audit.FixID)
	assert.Equal(t, int64(1), *audit.PatternID)
	assert.Equal(t, int64(7), *audit.FixID)
	assert.Equal(t, report.CycleID, audit.Details[remediation.ContextCycleID])
	assert.Equal(t, 1, h.store.success)

	require.Len(t, h.sink.sent, 1)
	assert.Equal(t, "success", h.sink.sent[0].Outcome)

	// cooldown holds even with fresh occurrences
	h.clock.Advance(time.Minute)
	h.source.lines = []string{"connection refused", "connection refused", "connection refused"}
	report = h.engine.CheckErrorPatterns(context.Background(), true, true)
	assert.Equal(t, 0, report.RemediationsTriggered)
	assert.Equal(t, 1, *h.calls)
	assert.Len(t, h.store.audits, 1)
}

func TestBufferedErrorIsCountedOnce(t *testing.T) {
	fix := &models.RemediationFix{ID: 7, PatternID: 1, FixType: models.FixReconnectCache, Enabled: true}
	buf := sources.NewRedisBuffer(&memList{}, "", 0)
	h := newHarnessWithSource(t, buf, map[int64]*models.RemediationFix{1: fix}, cacheDown())
	require.NoError(t, buf.Push(context.Background(), "redis: dial tcp: connection refused"))

	for cycle := 1; cycle <= 4; cycle++ {
		report := h.engine.CheckErrorPatterns(context.Background(), true, true)
		if cycle == 1 {
			assert.Equal(t, 1, report.ErrorsScanned)
		} else {
			assert.Equal(t, 0, report.ErrorsScanned, "cycle %d", cycle)
		}
		assert.Equal(t, 0, report.RemediationsTriggered, "cycle %d", cycle)
		assert.Equal(t, 1, h.engine.registry.Frequency(1, 0), "cycle %d", cycle)
		h.clock.Advance(30 * time.Second)
	}
	assert.Equal(t, 0, *h.calls)
}

func TestFlushWaitsForFixCounters(t *testing.T) {
	fix := &models.RemediationFix{ID: 7, PatternID: 1, FixType: models.FixReconnectCache, Enabled: true}
	h := newHarness(t, map[int64]*models.RemediationFix{1: fix}, cacheDown())
	h.source.lines = []string{"connection refused", "connection refused", "connection refused"}

	report := h.engine.CheckErrorPatterns(context.Background(), false, true)
	require.Equal(t, 1, report.RemediationsTriggered)

	h.engine.Flush()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Equal(t, 1, h.store.success)
	assert.Equal(t, 0, h.store.failures)
}

func TestDryRunDoesNotExecute(t *testing.T) {
	fix := &models.RemediationFix{ID: 7, PatternID: 1, FixType: models.FixReconnectCache, Enabled: true}
	h := newHarness(t, map[int64]*models.RemediationFix{1: fix}, cacheDown())
	h.source.lines = []string{"connection refused", "connection refused", "connection refused"}

	report := h.engine.CheckErrorPatterns(context.Background(), false, false)
	assert.Equal(t, 0, report.RemediationsTriggered)
	require.Len(t, report.Remediations, 1)
	assert.Equal(t, "fix execution disabled", report.Remediations[0].Message)
	assert.Equal(t, 0, *h.calls)
	assert.Empty(t, h.sink.sent)

	// not recorded, so the next cycle may still execute
	h.source.lines = []string{"connection refused"}
	report = h.engine.CheckErrorPatterns(context.Background(), false, true)
	assert.Equal(t, 1, report.RemediationsTriggered)
}

func TestGroupByPatternKeepsFirstSeenOrder(t *testing.T) {
	a := models.ErrorPattern{ID: 2, Name: "b"}
	b := models.ErrorPattern{ID: 1, Name: "a"}
	groups := groupByPattern([]models.DetectedError{
		{Pattern: a, MatchedText: "first"},
		{Pattern: b, MatchedText: "second"},
		{Pattern: a, MatchedText: "third"},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, int64(2), groups[0].pattern.ID)
	assert.Equal(t, 2, groups[0].count)
	assert.Equal(t, "first", groups[0].sample)
	assert.Equal(t, int64(1), groups[1].pattern.ID)
}

func TestTickSkipsWhileCycleRunning(t *testing.T) {
	h := newHarness(t, nil, cacheDown())
	h.engine.cycleMu.Lock()
	h.engine.tick(context.Background())
	h.engine.cycleMu.Unlock()

	_, ok := h.engine.LastReport()
	assert.False(t, ok)

	h.engine.tick(context.Background())
	_, ok = h.engine.LastReport()
	assert.True(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil, cacheDown())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
