package notification

import (
	"context"
	"time"
)

// Message is the transport-agnostic alert payload. Channels own their own
// formatting; the dispatcher never sees transport detail.
type Message struct {
	LocationID       string             `json:"location_id"`
	RiskClass        string             `json:"risk_class"`
	Probability      float64            `json:"probability"`
	Tier             int                `json:"tier"`
	FirstTriggeredAt time.Time          `json:"first_triggered_at"`
	TriggeredAt      time.Time          `json:"triggered_at"`
	Features         map[string]float64 `json:"contributing_features,omitempty"`
}

// Channel delivers a message to one recipient. Implementations must be
// safe for concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient string, msg Message) error
}

// Registry maps channel names (as referenced by alert rules) to senders.
type Registry map[string]Channel

func NewRegistry(channels ...Channel) Registry {
	r := make(Registry, len(channels))
	for _, ch := range channels {
		r[ch.Name()] = ch
	}
	return r
}

// classSeverity returns the operator guidance line used by the email and
// SMS templates, mirroring the dashboard's wording.
func classSeverity(riskClass string) string {
	switch riskClass {
	case "High":
		return "Immediate evacuation required!"
	case "Medium":
		return "Monitor conditions closely."
	default:
		return "Continue normal operations with awareness."
	}
}
