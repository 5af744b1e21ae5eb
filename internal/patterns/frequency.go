package patterns

import (
	"sync"
	"time"
)

// frequencyState holds one pattern's occurrence timestamps and cooldown clock. Each state carries
// its own lock so different patterns never contend.
type frequencyState struct {
	mu              sync.Mutex
	occurrences     []time.Time
	lastRemediation time.Time
	remediated      bool
}

func (s *frequencyState) record(at time.Time) {
	s.mu.Lock()
	s.occurrences = append(s.occurrences, at)
	s.mu.Unlock()
}

// count prunes occurrences at or before now-window and returns what remains.
func (s *frequencyState) count(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now, window)
}

func (s *frequencyState) pruneLocked(now time.Time, window time.Duration) int {
	if window <= 0 {
		return len(s.occurrences)
	}
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(s.occurrences) && !s.occurrences[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		s.occurrences = append(s.occurrences[:0], s.occurrences[idx:]...)
	}
	return len(s.occurrences)
}

// inCooldown reports whether a remediation happened less than cooldown ago.
func (s *frequencyState) inCooldown(now time.Time, cooldown time.Duration) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remediated {
		return false, 0
	}
	elapsed := now.Sub(s.lastRemediation)
	if elapsed < cooldown {
		return true, cooldown - elapsed
	}
	return false, 0
}

func (s *frequencyState) remediate(at time.Time) {
	s.mu.Lock()
	s.lastRemediation = at
	s.remediated = true
	s.occurrences = s.occurrences[:0]
	s.mu.Unlock()
}

func (s *frequencyState) lastRemediationAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRemediation, s.remediated
}
