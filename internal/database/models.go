package database

import (
	"time"
)

// AlertEvent is one dispatched (or terminally failed) notification for a
// condition tier. Rows are append-only: corrections are new rows, never
// updates, so the ledger stays auditable.
type AlertEvent struct {
	EventID          string    `json:"event_id"`
	LocationID       string    `json:"location_id"`
	Channel          string    `json:"channel"`
	Tier             int       `json:"tier"`
	Recipients       []string  `json:"recipients"`
	RiskClass        string    `json:"risk_class"`
	Probability      float64   `json:"probability"`
	Features         string    `json:"contributing_features,omitempty"` // JSON
	Outcome          string    `json:"outcome"`
	Detail           string    `json:"detail,omitempty"`
	SentCount        int       `json:"sent_count"`
	FailedCount      int       `json:"failed_count"`
	FirstTriggeredAt time.Time `json:"first_triggered_at"`
	TriggeredAt      time.Time `json:"triggered_at"`
	CreatedAt        time.Time `json:"created_at"`
}

const (
	OutcomeSent       = "SENT"
	OutcomePartial    = "PARTIAL"
	OutcomeFailed     = "FAILED"
	OutcomeOverloaded = "OVERLOADED"
)

// NotificationAttempt is one send try for one recipient.
type NotificationAttempt struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	Channel     string    `json:"channel"`
	Recipient   string    `json:"recipient"`
	Attempt     int       `json:"attempt"`
	Result      string    `json:"result"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

const (
	AttemptSent     = "SENT"
	AttemptFailed   = "FAILED"
	AttemptRetrying = "RETRYING"
)

// EventFilter narrows and pages history queries.
type EventFilter struct {
	LocationID string
	Channel    string
	RiskClass  string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// EventSummary is a windowed per-class/per-outcome count, served to the
// dashboard in place of raw time-series rollups.
type EventSummary struct {
	RiskClass string `json:"risk_class"`
	Outcome   string `json:"outcome"`
	Count     int64  `json:"count"`
}
