package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownFixType is returned when a stored fix names an action outside the closed set.
var ErrUnknownFixType = errors.New("unknown fix type")

// FixType identifies a remediation action.
type FixType string

const (
	FixReconnectCache            FixType = "reconnect_cache"
	FixReleaseIdleConnections    FixType = "release_idle_connections"
	FixCircuitBreakProvider      FixType = "circuit_break_provider"
	FixResetStreamingConnections FixType = "reset_streaming_connections"
	FixClearCaches               FixType = "clear_caches"
	FixKillRunawayJobs           FixType = "kill_runaway_jobs"
	FixAlertOnly                 FixType = "alert_only"
)

// FixTypes lists every supported fix type.
func FixTypes() []FixType {
	return []FixType{
		FixReconnectCache,
		FixReleaseIdleConnections,
		FixCircuitBreakProvider,
		FixResetStreamingConnections,
		FixClearCaches,
		FixKillRunawayJobs,
		FixAlertOnly,
	}
}

// ParseFixType accepts the canonical name or its dashed spelling.
func ParseFixType(s string) (FixType, error) {
	normalised := FixType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, ft := range FixTypes() {
		if ft == normalised {
			return ft, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFixType, s)
}

// RemediationFix binds a pattern to an executable action.
type RemediationFix struct {
	ID            int64          `json:"id"`
	PatternID     int64          `json:"pattern_id"`
	FixType       FixType        `json:"fix_type"`
	Config        map[string]any `json:"config,omitempty"`
	Priority      int            `json:"priority"`
	Enabled       bool           `json:"enabled"`
	SuccessCount  int64          `json:"success_count"`
	FailureCount  int64          `json:"failure_count"`
	LastAppliedAt *time.Time     `json:"last_applied_at,omitempty"`
}
