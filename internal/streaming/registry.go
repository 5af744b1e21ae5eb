// Package streaming keeps track of live streaming connections so the engine can flag long-lived
// ones for reset. Flagged connections are closed by their owners at the next safe point.
package streaming

import (
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-heal/internal/utils"
)

// Conn describes one registered connection.
type Conn struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	OpenedAt time.Time `json:"opened_at"`
	Reset    bool      `json:"reset"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
	clock utils.Clock
}

// NewRegistry creates an empty registry.
func NewRegistry(clock utils.Clock) *Registry {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Registry{conns: make(map[string]*Conn), clock: clock}
}

// Register records a connection opened now.
func (r *Registry) Register(id, kind string) {
	r.mu.Lock()
	r.conns[id] = &Conn{ID: id, Kind: kind, OpenedAt: r.clock.Now()}
	r.mu.Unlock()
}

// Unregister forgets a closed connection.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// ShouldReset reports whether the connection has been flagged.
func (r *Registry) ShouldReset(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return ok && c.Reset
}

// MarkStale flags every connection open for at least maxAge and returns how many were newly flagged.
func (r *Registry) MarkStale(maxAge time.Duration) int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	flagged := 0
	for _, c := range r.conns {
		if c.Reset || now.Sub(c.OpenedAt) < maxAge {
			continue
		}
		c.Reset = true
		flagged++
	}
	return flagged
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// List returns the registered connections, oldest first.
func (r *Registry) List() []Conn {
	r.mu.Lock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}
