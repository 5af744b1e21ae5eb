package models

import "time"

// JobStatus values the engine reads and writes.
const (
	JobStatusRunning = "running"
	JobStatusFailed  = "failed"
)

// Job is a background job row considered by the runaway-job remediation.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Runtime returns how long the job has been running at now.
func (j Job) Runtime(now time.Time) time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(j.StartedAt)
}
