package engine

import (
	"fmt"
	"time"

	"github.com/rockfall-ai/risk-engine/internal/rules"
)

// Key identifies one alert condition: one channel's view of one location.
type Key struct {
	LocationID string
	Channel    string
}

func (k Key) String() string {
	return k.LocationID + "|" + k.Channel
}

// State of an alert condition. Idle is represented by absence from the
// condition table.
type State string

const (
	StateActive     State = "ACTIVE"
	StateEscalated  State = "ESCALATED"
	StateSuppressed State = "SUPPRESSED"
)

// Condition is the stateful record of an ongoing threshold breach. At most
// one exists per key; all transitions on it happen on its owning shard.
type Condition struct {
	Key              Key
	State            State
	EpisodeID        string
	FirstTriggeredAt time.Time
	LastSeenAt       time.Time
	LastProbability  float64
	BelowSince       time.Time // zero while the threshold is still met
	EscalationStage  int

	// rule is the configuration captured at activation. Armed escalation
	// timers follow it even if the rule is edited mid-episode.
	rule rules.AlertRule
}

func timerID(key Key, episodeID string, stage int) string {
	return fmt.Sprintf("%s|%s|%d", key, episodeID, stage)
}
