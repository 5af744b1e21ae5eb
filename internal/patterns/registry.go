// Package patterns owns the in-memory registry of error patterns: TTL-cached loading from the
// pattern store, first-match-wins matching, and per-pattern sliding-window frequency state that
// drives the threshold and cooldown decisions.
package patterns

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

const (
	// DefaultTTL bounds how long a loaded pattern set is served before the store is consulted again.
	DefaultTTL = 60 * time.Second
	// DefaultStoreTimeout bounds every store round-trip issued by the registry.
	DefaultStoreTimeout = 2 * time.Second
)

// Options tunes a Registry.
type Options struct {
	TTL          time.Duration
	StoreTimeout time.Duration
	Clock        utils.Clock
}

type compiledPattern struct {
	models.ErrorPattern
	re *regexp.Regexp
}

// Registry matches error text against enabled patterns and tracks occurrence frequency.
type Registry struct {
	store        Store
	logger       *slog.Logger
	clock        utils.Clock
	ttl          time.Duration
	storeTimeout time.Duration

	refreshMu sync.Mutex

	cacheMu  sync.RWMutex
	patterns []compiledPattern
	byID     map[int64]int
	loadedAt time.Time
	loaded   bool

	statesMu sync.RWMutex
	states   map[int64]*frequencyState
}

// NewRegistry constructs a Registry backed by store. Nothing is loaded until the first refresh.
func NewRegistry(logger *slog.Logger, store Store, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	return &Registry{
		store:        store,
		logger:       logger,
		clock:        opts.Clock,
		ttl:          opts.TTL,
		storeTimeout: opts.StoreTimeout,
		byID:         make(map[int64]int),
		states:       make(map[int64]*frequencyState),
	}
}

// RefreshIfStale reloads the enabled patterns when the cached set is older than the TTL. A store
// failure keeps the last loaded set in service.
func (r *Registry) RefreshIfStale(ctx context.Context) {
	if !r.stale() {
		return
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if !r.stale() {
		return
	}
	if err := r.load(ctx); err != nil {
		r.logger.Warn("pattern refresh failed; keeping last known patterns",
			slog.Int("cached_patterns", r.Len()),
			slog.Any("error", err))
	}
}

// Reload forces a load from the store and reports its error.
func (r *Registry) Reload(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return r.load(ctx)
}

// Invalidate marks the cached set stale so the next RefreshIfStale consults the store.
func (r *Registry) Invalidate() {
	r.cacheMu.Lock()
	r.loaded = false
	r.cacheMu.Unlock()
}

func (r *Registry) stale() bool {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return !r.loaded || r.clock.Now().Sub(r.loadedAt) >= r.ttl
}

func (r *Registry) load(ctx context.Context) error {
	if r.store == nil {
		return utils.NewAppError("patterns.load", "pattern store not configured", nil)
	}
	loadCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	list, err := r.store.EnabledPatterns(loadCtx)
	if err != nil {
		return utils.NewAppError("patterns.load", "list enabled patterns", err)
	}

	compiled := make([]compiledPattern, 0, len(list))
	byID := make(map[int64]int, len(list))
	for _, p := range list {
		if !p.Enabled {
			continue
		}
		if _, dup := byID[p.ID]; dup {
			r.logger.Warn("duplicate pattern id ignored", slog.Int64("pattern_id", p.ID), slog.String("pattern", p.Name))
			continue
		}
		re, err := compile(p.Regex)
		if err != nil {
			r.logger.Error("invalid pattern regex; pattern will not match",
				slog.Int64("pattern_id", p.ID),
				slog.String("pattern", p.Name),
				slog.Any("error", err))
		}
		byID[p.ID] = len(compiled)
		compiled = append(compiled, compiledPattern{ErrorPattern: p, re: re})
	}

	r.cacheMu.Lock()
	r.patterns = compiled
	r.byID = byID
	r.loadedAt = r.clock.Now()
	r.loaded = true
	r.cacheMu.Unlock()

	r.logger.Debug("patterns loaded", slog.Int("count", len(compiled)))
	return nil
}

func compile(expr string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(expr, "(?i)") {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

// Len returns the number of cached enabled patterns.
func (r *Registry) Len() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.patterns)
}

// Patterns returns the cached patterns in load order.
func (r *Registry) Patterns() []models.ErrorPattern {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	out := make([]models.ErrorPattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, p.ErrorPattern)
	}
	return out
}

// Pattern looks up a cached pattern by id.
func (r *Registry) Pattern(id int64) (models.ErrorPattern, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	idx, ok := r.byID[id]
	if !ok {
		return models.ErrorPattern{}, false
	}
	return r.patterns[idx].ErrorPattern, true
}

// MatchOne returns the first cached pattern, in load order, whose regex matches text.
func (r *Registry) MatchOne(text string) (models.ErrorPattern, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	for _, p := range r.patterns {
		if p.re == nil {
			continue
		}
		if p.re.MatchString(text) {
			return p.ErrorPattern, true
		}
	}
	return models.ErrorPattern{}, false
}

// MatchBatch matches every line and records an occurrence for each match. Store match counters are
// bumped once per pattern after the batch, all under a single store deadline.
func (r *Registry) MatchBatch(ctx context.Context, texts []string, source string) []models.DetectedError {
	r.RefreshIfStale(ctx)

	detected := make([]models.DetectedError, 0)
	var order []int64
	counts := make(map[int64]int)
	for _, text := range texts {
		if text == "" {
			continue
		}
		p, ok := r.MatchOne(text)
		if !ok {
			continue
		}
		now := r.clock.Now()
		r.state(p.ID, true).record(now)
		if counts[p.ID] == 0 {
			order = append(order, p.ID)
		}
		counts[p.ID]++

		detected = append(detected, models.DetectedError{
			Pattern:     p,
			MatchedText: models.Truncate(text, models.MaxMatchedTextLen),
			Timestamp:   now,
			Source:      source,
		})
	}
	r.incrementMatchCounts(ctx, order, counts)
	return detected
}

func (r *Registry) incrementMatchCounts(ctx context.Context, order []int64, counts map[int64]int) {
	if r.store == nil || len(order) == 0 {
		return
	}
	incCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	for i, id := range order {
		if err := incCtx.Err(); err != nil {
			r.logger.Warn("best-effort write skipped",
				slog.String("op", "patterns.IncrementMatchCount"),
				slog.Int("patterns_skipped", len(order)-i),
				slog.Any("error", err))
			return
		}
		utils.BestEffort(r.logger, "patterns.IncrementMatchCount", r.store.IncrementMatchCount(incCtx, id, counts[id]),
			slog.Int64("pattern_id", id), slog.Int("count", counts[id]))
	}
}

func (r *Registry) state(id int64, create bool) *frequencyState {
	r.statesMu.RLock()
	s, ok := r.states[id]
	r.statesMu.RUnlock()
	if ok || !create {
		return s
	}

	r.statesMu.Lock()
	defer r.statesMu.Unlock()
	if s, ok = r.states[id]; ok {
		return s
	}
	s = &frequencyState{}
	r.states[id] = s
	return s
}

// Frequency prunes and counts the pattern's occurrences within window, or within the pattern's
// configured window when window is zero.
func (r *Registry) Frequency(patternID int64, window time.Duration) int {
	if window <= 0 {
		p, ok := r.Pattern(patternID)
		if !ok {
			return 0
		}
		window = p.Window()
	}
	s := r.state(patternID, false)
	if s == nil {
		return 0
	}
	return s.count(r.clock.Now(), window)
}

// ShouldTrigger reports whether the pattern has reached its threshold outside of its cooldown.
func (r *Registry) ShouldTrigger(patternID int64) bool {
	p, ok := r.Pattern(patternID)
	if !ok {
		return false
	}
	s := r.state(patternID, false)
	if s == nil {
		return false
	}
	now := r.clock.Now()
	if s.count(now, p.Window()) < p.Threshold() {
		return false
	}
	if cooling, _ := s.inCooldown(now, p.Cooldown()); cooling {
		return false
	}
	return true
}

// RecordRemediation starts the pattern's cooldown and restarts frequency accumulation. Call it
// once per triggered remediation.
func (r *Registry) RecordRemediation(patternID int64) {
	r.state(patternID, true).remediate(r.clock.Now())
}

// Snapshot returns the frequency state of every cached pattern for admin views.
func (r *Registry) Snapshot() []models.FrequencySnapshot {
	patterns := r.Patterns()
	now := r.clock.Now()
	out := make([]models.FrequencySnapshot, 0, len(patterns))
	for _, p := range patterns {
		snap := models.FrequencySnapshot{
			PatternID:   p.ID,
			PatternName: p.Name,
			Threshold:   p.Threshold(),
			Window:      p.Window(),
		}
		if s := r.state(p.ID, false); s != nil {
			snap.Occurrences = s.count(now, p.Window())
			if last, ok := s.lastRemediationAt(); ok {
				ts := last
				snap.LastRemediation = &ts
			}
			_, snap.CooldownRemaining = s.inCooldown(now, p.Cooldown())
		}
		snap.Triggerable = snap.Occurrences >= snap.Threshold && snap.CooldownRemaining == 0
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Occurrences > out[j].Occurrences })
	return out
}
