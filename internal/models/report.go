package models

import "time"

// CheckReport summarises one error-pattern check cycle.
type CheckReport struct {
	CycleID               string              `json:"cycle_id"`
	Source                string              `json:"source,omitempty"`
	StartedAt             time.Time           `json:"started_at"`
	Duration              time.Duration       `json:"duration"`
	ErrorsScanned         int                 `json:"errors_scanned"`
	PatternsMatched       int                 `json:"patterns_matched"`
	RemediationsTriggered int                 `json:"remediations_triggered"`
	Matches               []PatternMatch      `json:"matches,omitempty"`
	Remediations          []RemediationReport `json:"remediations,omitempty"`
	Warnings              []string            `json:"warnings,omitempty"`
}

// PatternMatch groups the detections of one pattern within a cycle.
type PatternMatch struct {
	PatternID   int64    `json:"pattern_id"`
	PatternName string   `json:"pattern_name"`
	Severity    Severity `json:"severity"`
	Count       int      `json:"count"`
	Frequency   int      `json:"frequency"`
	Triggered   bool     `json:"triggered"`
	Sample      string   `json:"sample,omitempty"`
}

// RemediationReport describes a remediation decision taken during a cycle.
type RemediationReport struct {
	PatternID   int64   `json:"pattern_id"`
	PatternName string  `json:"pattern_name"`
	FixID       int64   `json:"fix_id,omitempty"`
	FixType     FixType `json:"fix_type,omitempty"`
	Executed    bool    `json:"executed"`
	Outcome     Outcome `json:"outcome,omitempty"`
	Message     string  `json:"message,omitempty"`
	DurationMS  int64   `json:"duration_ms"`
}

// FrequencySnapshot is the admin view of one pattern's in-memory state.
type FrequencySnapshot struct {
	PatternID         int64         `json:"pattern_id"`
	PatternName       string        `json:"pattern_name"`
	Occurrences       int           `json:"occurrences"`
	Threshold         int           `json:"threshold"`
	Window            time.Duration `json:"window"`
	LastRemediation   *time.Time    `json:"last_remediation,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	Triggerable       bool          `json:"triggerable"`
}
