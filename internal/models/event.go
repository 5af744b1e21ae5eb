package models

import "time"

// ErrorEvent is one structured "error" event read from the event store.
type ErrorEvent struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
