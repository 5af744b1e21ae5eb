package models

import "time"

// Outcome classifies a remediation attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
	OutcomePartial Outcome = "partial"
)

// Succeeded reports whether the outcome counts towards a fix's success counter.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess || o == OutcomePartial
}

// RemediationResult is the outcome of one execution.
type RemediationResult struct {
	Outcome  Outcome        `json:"outcome"`
	FixType  FixType        `json:"fix_type"`
	Duration time.Duration  `json:"duration"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// DurationMS returns the elapsed time in whole milliseconds.
func (r RemediationResult) DurationMS() int64 {
	return r.Duration.Milliseconds()
}

// AuditRecord is one row of the remediation history.
type AuditRecord struct {
	PatternID  *int64         `json:"pattern_id,omitempty"`
	FixID      *int64         `json:"fix_id,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}
