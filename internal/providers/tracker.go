// Package providers tracks the availability of upstream model providers with a per-provider
// circuit breaker.
package providers

import (
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-heal/internal/utils"
)

// State is a provider circuit state.
type State int

const (
	// Closed means requests flow normally.
	Closed State = iota
	// Open means the provider is considered down until the open duration elapses.
	Open
	// HalfOpen means the open duration elapsed and the next result decides the state.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = time.Minute
)

// Options tunes a Tracker.
type Options struct {
	FailureThreshold int
	OpenDuration     time.Duration
	Clock            utils.Clock
}

// Status is a point-in-time view of one provider.
type Status struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Reason              string    `json:"reason,omitempty"`
}

type circuit struct {
	failures int
	open     bool
	openedAt time.Time
	reason   string
}

// Tracker holds one circuit per provider name. Unknown names are tracked on first use.
type Tracker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	opts     Options
}

// NewTracker creates a tracker pre-populated with names.
func NewTracker(names []string, opts Options) *Tracker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = DefaultOpenDuration
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	t := &Tracker{circuits: make(map[string]*circuit, len(names)), opts: opts}
	for _, n := range names {
		t.circuits[n] = &circuit{}
	}
	return t
}

func (t *Tracker) get(name string) *circuit {
	c, ok := t.circuits[name]
	if !ok {
		c = &circuit{}
		t.circuits[name] = c
	}
	return c
}

func (t *Tracker) stateLocked(c *circuit) State {
	if !c.open {
		return Closed
	}
	if t.opts.Clock.Now().Sub(c.openedAt) >= t.opts.OpenDuration {
		return HalfOpen
	}
	return Open
}

// RecordFailure counts a failed call and opens the circuit once the threshold is reached. A
// failure while half-open re-opens immediately.
func (t *Tracker) RecordFailure(name, reason string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(name)
	c.failures++
	if c.failures >= t.opts.FailureThreshold || t.stateLocked(c) == HalfOpen {
		t.openLocked(c, reason)
	}
	return t.stateLocked(c)
}

// Trip opens the circuit regardless of the failure count.
func (t *Tracker) Trip(name, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(name)
	c.failures++
	t.openLocked(c, reason)
}

func (t *Tracker) openLocked(c *circuit, reason string) {
	c.open = true
	c.openedAt = t.opts.Clock.Now()
	c.reason = reason
}

// RecordSuccess closes the circuit and resets the failure count.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.get(name) = circuit{}
}

// State returns the current state of name.
func (t *Tracker) State(name string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(t.get(name))
}

// IsAvailable reports whether calls to name may be attempted.
func (t *Tracker) IsAvailable(name string) bool {
	return t.State(name) != Open
}

// Snapshot lists every tracked provider sorted by name.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.circuits))
	for name, c := range t.circuits {
		st := Status{Name: name, State: t.stateLocked(c).String(), ConsecutiveFailures: c.failures, Reason: c.reason}
		if c.open {
			st.OpenedAt = c.openedAt
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
