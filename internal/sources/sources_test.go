package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

type fakeList struct {
	lines []string
	err   error
	key   string
	limit int
}

func (f *fakeList) PopErrors(_ context.Context, key string, limit int) ([]string, error) {
	f.key, f.limit = key, limit
	if f.err != nil {
		return nil, f.err
	}
	n := limit
	if n > len(f.lines) {
		n = len(f.lines)
	}
	out := f.lines[:n]
	f.lines = f.lines[n:]
	return out, nil
}

func (f *fakeList) PushError(_ context.Context, _ string, msg string, _ int) error {
	f.lines = append([]string{msg}, f.lines...)
	return nil
}

type fakeEvents struct {
	events  []models.ErrorEvent
	err     error
	since   time.Time
	afterID int64
}

// ErrorEventsAfter applies the same cursor predicate as the Postgres query.
func (f *fakeEvents) ErrorEventsAfter(_ context.Context, since time.Time, afterID int64, limit int) ([]models.ErrorEvent, error) {
	f.since, f.afterID = since, afterID
	if f.err != nil {
		return nil, f.err
	}
	var out []models.ErrorEvent
	for _, ev := range f.events {
		if ev.CreatedAt.After(since) || (ev.CreatedAt.Equal(since) && ev.ID > afterID) {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func errorEvents(at time.Time, msgs ...string) []models.ErrorEvent {
	out := make([]models.ErrorEvent, 0, len(msgs))
	for i, m := range msgs {
		out = append(out, models.ErrorEvent{ID: int64(i + 1), Message: m, CreatedAt: at.Add(time.Duration(i) * time.Second)})
	}
	return out
}

func TestChainPrefersBuffer(t *testing.T) {
	buf := NewRedisBuffer(&fakeList{lines: []string{"connection refused"}}, "", 0)
	events := &fakeEvents{events: errorEvents(time.Now(), "from db")}
	chain := NewChain(utils.DiscardLogger(), time.Second, buf, NewEventStore(events, 0, 0, nil))

	batch := chain.Fetch(context.Background())
	assert.Equal(t, "redis_buffer", batch.Source)
	assert.Equal(t, []string{"connection refused"}, batch.Errors)
	assert.True(t, events.since.IsZero(), "event store must not be queried")
}

func TestChainFallsBackOnErrorAndEmpty(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	events := &fakeEvents{events: errorEvents(clock.Now().Add(-time.Minute), "from db")}
	chain := NewChain(utils.DiscardLogger(), time.Second,
		NewRedisBuffer(&fakeList{err: errors.New("redis down")}, "", 0),
		NewRedisBuffer(&fakeList{}, "other", 0),
		NewEventStore(events, 0, 0, clock),
	)

	batch := chain.Fetch(context.Background())
	assert.Equal(t, "event_store", batch.Source)
	assert.Equal(t, []string{"from db"}, batch.Errors)
	require.Len(t, batch.Warnings, 1)
	assert.Contains(t, batch.Warnings[0], "redis down")
	assert.Equal(t, clock.Now().Add(-5*time.Minute), events.since)
}

func TestChainEmpty(t *testing.T) {
	chain := NewChain(nil, 0, nil)
	assert.Equal(t, 0, chain.Len())
	batch := chain.Fetch(context.Background())
	assert.Empty(t, batch.Errors)
	assert.Empty(t, batch.Source)
}

func TestRedisBufferDefaultsAndPush(t *testing.T) {
	list := &fakeList{}
	buf := NewRedisBuffer(list, "", 0)
	require.NoError(t, buf.Push(context.Background(), "boom"))

	lines, err := buf.RecentErrors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"boom"}, lines)
	assert.Equal(t, DefaultBufferKey, list.key)
	assert.Equal(t, DefaultBufferLimit, list.limit)

	lines, err = buf.RecentErrors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines, "a drained line must not be returned twice")
}

func TestEventStoreReturnsEachEventOnce(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	events := &fakeEvents{events: errorEvents(clock.Now().Add(-time.Minute), "connection refused", "", "timeout")}
	store := NewEventStore(events, 0, 0, clock)
	ctx := context.Background()

	lines, err := store.RecentErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"connection refused", "timeout"}, lines)
	assert.Equal(t, clock.Now().Add(-DefaultLookback), events.since)

	clock.Advance(30 * time.Second)
	lines, err = store.RecentErrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, int64(3), events.afterID)

	events.events = append(events.events, models.ErrorEvent{ID: 4, Message: "pool exhausted", CreatedAt: clock.Now()})
	lines, err = store.RecentErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pool exhausted"}, lines)
}

func TestEventStoreCursorClampedToLookback(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	events := &fakeEvents{events: errorEvents(clock.Now(), "connection refused")}
	store := NewEventStore(events, time.Minute, 0, clock)
	ctx := context.Background()

	_, err := store.RecentErrors(ctx)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = store.RecentErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(-time.Minute), events.since)
	assert.Equal(t, int64(0), events.afterID)
}

func TestEventStoreKeepsCursorOnError(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	events := &fakeEvents{events: errorEvents(clock.Now().Add(-time.Minute), "connection refused")}
	store := NewEventStore(events, 0, 0, clock)
	ctx := context.Background()

	events.err = errors.New("database unavailable")
	_, err := store.RecentErrors(ctx)
	require.Error(t, err)

	events.err = nil
	lines, err := store.RecentErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"connection refused"}, lines)
}
