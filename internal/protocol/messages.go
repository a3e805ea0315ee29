package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// AssessmentMessage is the ingestion payload consumed from Kafka. When
// Probability is present the upstream already scored the features; when it
// is absent the engine scores Features through the model adapter.
type AssessmentMessage struct {
	LocationID  string             `json:"location_id"`
	Timestamp   time.Time          `json:"timestamp"`
	Probability *float64           `json:"probability,omitempty"`
	Features    map[string]float64 `json:"features,omitempty"`
	Source      string             `json:"source,omitempty"`
	ReceivedAt  time.Time          `json:"received_at,omitempty"`
}

// Validate rejects payloads the engine must not act on.
func (m *AssessmentMessage) Validate() error {
	if m.LocationID == "" {
		return fmt.Errorf("assessment message missing location_id")
	}
	if m.Probability != nil && (*m.Probability < 0 || *m.Probability > 1) {
		return fmt.Errorf("assessment probability %.4f outside [0,1]", *m.Probability)
	}
	if m.Probability == nil && len(m.Features) == 0 {
		return fmt.Errorf("assessment message carries neither probability nor features")
	}
	return nil
}

// AlertEventMessage is the fan-out payload published after each dispatched
// alert event, for downstream consumers (dashboard push, SIEM, etc).
type AlertEventMessage struct {
	EventID          string    `json:"event_id"`
	LocationID       string    `json:"location_id"`
	Channel          string    `json:"channel"`
	Tier             int       `json:"tier"`
	RiskClass        string    `json:"risk_class"`
	Probability      float64   `json:"probability"`
	Outcome          string    `json:"outcome"`
	FirstTriggeredAt time.Time `json:"first_triggered_at"`
	TriggeredAt      time.Time `json:"triggered_at"`
}

func EncodeAssessmentMessage(msg *AssessmentMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeAssessmentMessage(data []byte) (*AssessmentMessage, error) {
	var msg AssessmentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func EncodeAlertEventMessage(msg *AlertEventMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeAlertEventMessage(data []byte) (*AlertEventMessage, error) {
	var msg AlertEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
