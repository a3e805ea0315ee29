package risk

import "github.com/rockfall-ai/risk-engine/internal/rules"

// Firing is one channel whose threshold an assessment met.
type Firing struct {
	Rule  rules.AlertRule
	Class Class
}

// Policy maps assessments onto the channels that should fire.
type Policy struct {
	boundaries Boundaries
}

func NewPolicy(boundaries Boundaries) *Policy {
	return &Policy{boundaries: boundaries}
}

func (p *Policy) Classify(probability float64) Class {
	return p.boundaries.Classify(probability)
}

// Met reports whether an assessment meets a rule's threshold. A tie counts
// as met.
func (p *Policy) Met(a *Assessment, rule rules.AlertRule) bool {
	return a.Probability >= rule.Threshold
}

// Match returns every rule whose threshold the assessment meets. Pure: no
// rules for a location simply yields nothing.
func (p *Policy) Match(a *Assessment, activeRules []rules.AlertRule) []Firing {
	var fired []Firing
	for _, rule := range activeRules {
		if p.Met(a, rule) {
			fired = append(fired, Firing{Rule: rule, Class: p.Classify(a.Probability)})
		}
	}
	return fired
}
