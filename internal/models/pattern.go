package models

import (
	"time"
	"unicode/utf8"
)

// MaxMatchedTextLen bounds how much of a matched log line is retained in memory and in reports.
const MaxMatchedTextLen = 500

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalises a stored severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// ErrorPattern is a detection rule loaded from the pattern store.
type ErrorPattern struct {
	ID                     int64    `json:"id" yaml:"id"`
	Name                   string   `json:"name" yaml:"name"`
	Description            string   `json:"description,omitempty" yaml:"description"`
	Regex                  string   `json:"regex" yaml:"regex"`
	ErrorType              string   `json:"error_type" yaml:"error_type"`
	Severity               Severity `json:"severity" yaml:"severity"`
	Enabled                bool     `json:"enabled" yaml:"enabled"`
	ThresholdCount         int      `json:"threshold_count" yaml:"threshold_count"`
	ThresholdWindowMinutes int      `json:"threshold_window_minutes" yaml:"threshold_window_minutes"`
	CooldownMinutes        int      `json:"cooldown_minutes" yaml:"cooldown_minutes"`
}

// Window returns the sliding window over which occurrences are counted.
func (p ErrorPattern) Window() time.Duration {
	return time.Duration(p.ThresholdWindowMinutes) * time.Minute
}

// Cooldown returns the minimum gap between two remediations for the pattern.
func (p ErrorPattern) Cooldown() time.Duration {
	return time.Duration(p.CooldownMinutes) * time.Minute
}

// Threshold returns the occurrence count required to trigger; never below one.
func (p ErrorPattern) Threshold() int {
	if p.ThresholdCount < 1 {
		return 1
	}
	return p.ThresholdCount
}

// DetectedError is produced once per matched log line and never persisted individually.
type DetectedError struct {
	Pattern     ErrorPattern `json:"pattern"`
	MatchedText string       `json:"matched_text"`
	Timestamp   time.Time    `json:"timestamp"`
	Source      string       `json:"source,omitempty"`
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
