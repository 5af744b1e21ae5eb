package models

import "time"

// HealthStatus is the tri-state verdict for a component or the whole system.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the probe result of one dependency.
type ComponentHealth struct {
	Name     string         `json:"name"`
	Status   HealthStatus   `json:"status"`
	Critical bool           `json:"critical"`
	Message  string         `json:"message,omitempty"`
	Latency  time.Duration  `json:"latency"`
	Details  map[string]any `json:"details,omitempty"`
}

// HealthSnapshot aggregates component probes at a point in time.
type HealthSnapshot struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}
