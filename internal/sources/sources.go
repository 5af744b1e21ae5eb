// Package sources supplies recent error strings to the pattern check cycle.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

const (
	DefaultBufferKey   = "mirador-heal:errors:recent"
	DefaultBufferLimit = 100
	DefaultLookback    = 5 * time.Minute
	DefaultEventLimit  = 500
)

// Source returns error strings not yet handed out. A line is returned by at most one call.
type Source interface {
	Name() string
	RecentErrors(ctx context.Context) ([]string, error)
}

// ListStore is a capped list of recent errors in the shared cache.
type ListStore interface {
	PopErrors(ctx context.Context, key string, limit int) ([]string, error)
	PushError(ctx context.Context, key, msg string, max int) error
}

// RedisBuffer drains the newest entries of the recent-error list.
type RedisBuffer struct {
	store ListStore
	key   string
	limit int
}

// NewRedisBuffer creates a buffer source. Zero values take the defaults.
func NewRedisBuffer(store ListStore, key string, limit int) *RedisBuffer {
	if key == "" {
		key = DefaultBufferKey
	}
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &RedisBuffer{store: store, key: key, limit: limit}
}

// Name implements Source.
func (b *RedisBuffer) Name() string { return "redis_buffer" }

// RecentErrors implements Source. Returned entries are removed from the list.
func (b *RedisBuffer) RecentErrors(ctx context.Context) ([]string, error) {
	return b.store.PopErrors(ctx, b.key, b.limit)
}

// Push records an error line, keeping at most limit entries.
func (b *RedisBuffer) Push(ctx context.Context, msg string) error {
	return b.store.PushError(ctx, b.key, msg, b.limit)
}

// EventQuerier reads structured error events after a (created_at, id) cursor, oldest first.
type EventQuerier interface {
	ErrorEventsAfter(ctx context.Context, since time.Time, afterID int64, limit int) ([]models.ErrorEvent, error)
}

// EventStore reads "error" events it has not returned before, never older than the lookback window.
type EventStore struct {
	q        EventQuerier
	lookback time.Duration
	limit    int
	clock    utils.Clock

	mu     sync.Mutex
	lastAt time.Time
	lastID int64
}

// NewEventStore creates an event store source. Zero values take the defaults.
func NewEventStore(q EventQuerier, lookback time.Duration, limit int, clock utils.Clock) *EventStore {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &EventStore{q: q, lookback: lookback, limit: limit, clock: clock}
}

// Name implements Source.
func (e *EventStore) Name() string { return "event_store" }

// RecentErrors implements Source. The cursor only advances when the query succeeds.
func (e *EventStore) RecentErrors(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	since, afterID := e.lastAt, e.lastID
	if floor := e.clock.Now().Add(-e.lookback); since.Before(floor) {
		since, afterID = floor, 0
	}
	events, err := e.q.ErrorEventsAfter(ctx, since, afterID, e.limit)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	e.lastAt, e.lastID = last.CreatedAt, last.ID

	lines := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Message != "" {
			lines = append(lines, ev.Message)
		}
	}
	return lines, nil
}

// Batch is the output of one fetch.
type Batch struct {
	Source   string
	Errors   []string
	Warnings []string
}

// Chain asks each source in order and returns the first non-empty answer.
type Chain struct {
	sources []Source
	timeout time.Duration
	logger  *slog.Logger
}

// NewChain creates a chain. Nil sources are dropped.
func NewChain(logger *slog.Logger, timeout time.Duration, srcs ...Source) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Chain{timeout: timeout, logger: logger}
	for _, s := range srcs {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// Len returns the number of configured sources.
func (c *Chain) Len() int { return len(c.sources) }

// Fetch never fails: source errors are logged and surface as warnings on the batch.
func (c *Chain) Fetch(ctx context.Context) Batch {
	var batch Batch
	for _, src := range c.sources {
		fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		lines, err := src.RecentErrors(fetchCtx)
		cancel()
		if err != nil {
			c.logger.Warn("error source unavailable", slog.String("source", src.Name()), slog.Any("error", err))
			batch.Warnings = append(batch.Warnings, fmt.Sprintf("%s: %v", src.Name(), err))
			continue
		}
		if len(lines) == 0 {
			continue
		}
		batch.Source = src.Name()
		batch.Errors = lines
		return batch
	}
	return batch
}
