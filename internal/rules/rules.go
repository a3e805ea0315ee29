package rules

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRule is wrapped by every validation failure so callers can
// distinguish configuration errors from storage errors.
var ErrInvalidRule = errors.New("invalid alert rule")

// EscalationTier is a delayed notification to a wider recipient set,
// counted from the moment a condition first became active.
type EscalationTier struct {
	Delay      time.Duration `json:"delay"`
	Recipients []string      `json:"recipients"`
}

// AlertRule configures one notification channel for one location.
type AlertRule struct {
	ID             int64            `json:"id"`
	LocationID     string           `json:"location_id"`
	Channel        string           `json:"channel"`
	Threshold      float64          `json:"threshold"`
	Recipients     []string         `json:"recipients"`
	DebounceWindow time.Duration    `json:"debounce_window"`
	Tiers          []EscalationTier `json:"escalation_tiers,omitempty"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at,omitempty"`
}

// Validate rejects rules that must never reach the engine. A rejected rule
// leaves previously stored configuration untouched.
func (r *AlertRule) Validate() error {
	if r.LocationID == "" {
		return fmt.Errorf("%w: location_id is required", ErrInvalidRule)
	}
	if r.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidRule)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("%w: threshold %.3f outside [0,1]", ErrInvalidRule, r.Threshold)
	}
	if len(r.Recipients) == 0 {
		return fmt.Errorf("%w: recipient set is empty", ErrInvalidRule)
	}
	if r.DebounceWindow <= 0 {
		return fmt.Errorf("%w: debounce window must be positive, got %s", ErrInvalidRule, r.DebounceWindow)
	}

	var prev time.Duration
	for i, tier := range r.Tiers {
		if tier.Delay <= 0 {
			return fmt.Errorf("%w: tier %d delay must be positive", ErrInvalidRule, i+1)
		}
		if tier.Delay <= prev {
			return fmt.Errorf("%w: tier delays must strictly increase, tier %d is %s after %s",
				ErrInvalidRule, i+1, tier.Delay, prev)
		}
		if len(tier.Recipients) == 0 {
			return fmt.Errorf("%w: tier %d recipient set is empty", ErrInvalidRule, i+1)
		}
		prev = tier.Delay
	}

	return nil
}
