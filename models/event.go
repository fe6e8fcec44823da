package models

import "time"

// ProcessedEvent records a Stripe event id whose effects have been committed.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	ProcessedAt time.Time `json:"processed_at"`
}
