package risk

import (
	"fmt"
	"time"
)

// Assessment is one scored evaluation of one location. It is created once
// per evaluation cycle and consumed read-only downstream.
type Assessment struct {
	LocationID  string             `json:"location_id"`
	Timestamp   time.Time          `json:"timestamp"`
	Probability float64            `json:"probability"`
	Features    map[string]float64 `json:"contributing_features,omitempty"`
}

// Class is the coarse risk bucket derived from a probability.
type Class int

const (
	ClassLow Class = iota
	ClassMedium
	ClassHigh
)

func (c Class) String() string {
	switch c {
	case ClassLow:
		return "Low"
	case ClassMedium:
		return "Medium"
	case ClassHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// Boundaries are the class cut points: [0,Medium) is Low, [Medium,High) is
// Medium, [High,1] is High.
type Boundaries struct {
	Medium float64
	High   float64
}

// DefaultBoundaries match the dashboard's documented defaults.
func DefaultBoundaries() Boundaries {
	return Boundaries{Medium: 0.33, High: 0.66}
}

func (b Boundaries) Validate() error {
	if b.Medium <= 0 || b.High >= 1 || b.Medium >= b.High {
		return fmt.Errorf("class boundaries must satisfy 0 < medium < high < 1, got %.3f/%.3f", b.Medium, b.High)
	}
	return nil
}

// Classify maps a probability to its risk class. Total and monotonic over
// all inputs, including out-of-range ones.
func (b Boundaries) Classify(probability float64) Class {
	switch {
	case probability < b.Medium:
		return ClassLow
	case probability < b.High:
		return ClassMedium
	default:
		return ClassHigh
	}
}
