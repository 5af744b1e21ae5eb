package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-heal/internal/utils"
)

// ErrUnknownCache is returned when a cache name is neither registered locally nor backed by Redis.
var ErrUnknownCache = errors.New("unknown cache")

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu    sync.RWMutex
	data  map[string]item
	clock utils.Clock
}

type item struct {
	value     any
	expiresAt time.Time
}

// NewMemoryCache creates an empty cache. A nil clock uses the system clock.
func NewMemoryCache(clock utils.Clock) *MemoryCache {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &MemoryCache{data: make(map[string]item), clock: clock}
}

// Get retrieves a cached item if present and not expired.
func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	it, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && !c.clock.Now().Before(it.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return it.value, true
}

// Set stores a value with optional TTL.
func (c *MemoryCache) Set(key string, value any, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.data[key] = item{value: value, expiresAt: expires}
	c.mu.Unlock()
}

// Delete removes an entry.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Clear drops every entry and returns how many were removed.
func (c *MemoryCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.data)
	c.data = make(map[string]item)
	return n
}

// Clearable is a local cache that can be emptied by name.
type Clearable interface {
	Clear() int
}

// PrefixInvalidator removes shared-cache keys under a prefix.
type PrefixInvalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// NamedSet maps cache names onto local caches and, when configured, the shared Redis keyspace
// "<name>:*". It is the target of the clear_caches remediation.
type NamedSet struct {
	mu     sync.RWMutex
	local  map[string]Clearable
	remote PrefixInvalidator
}

// NewNamedSet creates a set. remote may be nil.
func NewNamedSet(remote PrefixInvalidator) *NamedSet {
	return &NamedSet{local: make(map[string]Clearable), remote: remote}
}

// Register binds name to a local cache, replacing any previous binding.
func (s *NamedSet) Register(name string, c Clearable) {
	s.mu.Lock()
	s.local[name] = c
	s.mu.Unlock()
}

// Names lists the registered local cache names.
func (s *NamedSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.local))
	for name := range s.local {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalidate empties the local cache called name and the Redis keys under "<name>:". It returns
// the number of entries removed across both.
func (s *NamedSet) Invalidate(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	local, ok := s.local[name]
	remote := s.remote
	s.mu.RUnlock()

	if !ok && remote == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCache, name)
	}

	removed := 0
	if ok {
		removed += local.Clear()
	}
	if remote != nil {
		n, err := remote.InvalidatePrefix(ctx, name+":")
		removed += n
		if err != nil {
			return removed, fmt.Errorf("invalidate %s: %w", name, err)
		}
	}
	return removed, nil
}
