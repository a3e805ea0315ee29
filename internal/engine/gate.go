package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rockfall-ai/risk-engine/internal/dispatch"
	"github.com/rockfall-ai/risk-engine/internal/logger"
	"github.com/rockfall-ai/risk-engine/internal/metrics"
	"github.com/rockfall-ai/risk-engine/internal/risk"
	"github.com/rockfall-ai/risk-engine/internal/rules"
	"github.com/rockfall-ai/risk-engine/internal/state"
)

// evaluate runs one assessment against every active rule for its location.
// Always called on the owning shard goroutine.
func (s *shard) evaluate(a *risk.Assessment) {
	log := logger.WithComponent("gate")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	activeRules, err := s.engine.provider.Rules(ctx, a.LocationID)
	cancel()
	if err != nil {
		log.Error().Str("location_id", a.LocationID).Err(err).Msg("failed to load alert rules")
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(activeRules))

	for _, rule := range activeRules {
		seen[rule.Channel] = true
		s.evaluateRule(a, rule, now)
	}

	// A condition whose rule was deleted or deactivated mid-episode can
	// never resolve through the threshold path; close it here.
	for key, cond := range s.conditions {
		if key.LocationID == a.LocationID && !seen[key.Channel] && cond.State != StateSuppressed {
			s.resolve(key, cond)
		}
	}
}

func (s *shard) evaluateRule(a *risk.Assessment, rule rules.AlertRule, now time.Time) {
	key := Key{LocationID: a.LocationID, Channel: rule.Channel}
	met := s.engine.policy.Met(a, rule)
	cond := s.conditions[key]

	switch {
	case cond == nil && met:
		s.activate(key, rule, a, now)

	case cond == nil:
		// Idle and below threshold: nothing to do.

	case cond.State == StateSuppressed:
		// Frozen until an operator reactivates.

	case met:
		// Ongoing episode: update bookkeeping, do not re-emit. This is the
		// debounce that keeps a sustained condition from firing once per
		// evaluation cycle.
		cond.LastSeenAt = now
		cond.LastProbability = a.Probability
		cond.BelowSince = time.Time{}
		s.saveSnapshot(cond)

	default:
		if cond.BelowSince.IsZero() {
			cond.BelowSince = now
			cond.LastProbability = a.Probability
			s.saveSnapshot(cond)
			return
		}
		if now.Sub(cond.BelowSince) >= rule.DebounceWindow {
			s.resolve(key, cond)
		}
	}
}

// activate opens a new episode: Idle -> Active. The base alert event is
// emitted exactly once here, and one timer is armed per escalation tier,
// all anchored at FirstTriggeredAt.
func (s *shard) activate(key Key, rule rules.AlertRule, a *risk.Assessment, now time.Time) {
	cond := &Condition{
		Key:              key,
		State:            StateActive,
		EpisodeID:        uuid.New().String(),
		FirstTriggeredAt: now,
		LastSeenAt:       now,
		LastProbability:  a.Probability,
		rule:             rule,
	}
	s.conditions[key] = cond

	metrics.ConditionTransitions.WithLabelValues("activated").Inc()
	metrics.ActiveConditions.Inc()

	lg := logger.WithComponent("gate")
	lg.Info().
		Str("location_id", key.LocationID).
		Str("channel", key.Channel).
		Float64("probability", a.Probability).
		Msg("alert condition activated")

	s.dispatchTier(cond, 0, rule.Recipients, a.Features, now)

	for i, tier := range rule.Tiers {
		stage := i + 1
		tier := tier
		dueAt := cond.FirstTriggeredAt.Add(tier.Delay)
		episodeID := cond.EpisodeID

		err := s.engine.timers.Schedule(timerID(key, episodeID, stage), dueAt, func() {
			// Re-enter through the owning shard; the firing must observe a
			// consistent condition.
			_ = s.submit(context.Background(), func() {
				s.fireTier(key, episodeID, stage, tier)
			})
		})
		if err != nil {
			lg := logger.WithComponent("gate")
			lg.Error().Err(err).
				Str("location_id", key.LocationID).
				Int("stage", stage).
				Msg("failed to arm escalation timer")
		}
	}
	metrics.PendingTimers.Set(float64(s.engine.timers.Pending()))

	s.saveSnapshot(cond)
}

// fireTier handles one escalation timer firing. The episode ID guards
// against a timer racing a resolve: a firing for a closed episode is a
// no-op.
func (s *shard) fireTier(key Key, episodeID string, stage int, tier rules.EscalationTier) {
	cond := s.conditions[key]
	if cond == nil || cond.EpisodeID != episodeID {
		return
	}
	if cond.State == StateSuppressed {
		return
	}

	cond.State = StateEscalated
	cond.EscalationStage = stage

	metrics.ConditionTransitions.WithLabelValues("escalated").Inc()
	metrics.PendingTimers.Set(float64(s.engine.timers.Pending()))

	lg := logger.WithComponent("gate")
	lg.Warn().
		Str("location_id", key.LocationID).
		Str("channel", key.Channel).
		Int("stage", stage).
		Msg("alert condition escalated")

	s.dispatchTier(cond, stage, tier.Recipients, s.features[key.LocationID], time.Now().UTC())
	s.saveSnapshot(cond)
}

// resolve closes an episode: Active/Escalated -> Idle. All pending
// escalation timers and queued-but-unstarted escalation sends for the
// condition are cancelled; already-dispatched sends are not recalled.
func (s *shard) resolve(key Key, cond *Condition) {
	for i := range cond.rule.Tiers {
		s.engine.timers.Cancel(timerID(key, cond.EpisodeID, i+1))
	}
	metrics.PendingTimers.Set(float64(s.engine.timers.Pending()))

	dropped := s.engine.dispatcher.Cancel(key.LocationID, key.Channel)

	delete(s.conditions, key)
	metrics.ConditionTransitions.WithLabelValues("resolved").Inc()
	metrics.ActiveConditions.Dec()

	lg := logger.WithComponent("gate")
	lg.Info().
		Str("location_id", key.LocationID).
		Str("channel", key.Channel).
		Int("cancelled_sends", dropped).
		Msg("alert condition resolved")

	s.deleteSnapshot(key)
}

// suppress freezes a key. Pending timers are cancelled; only manual
// reactivation (back to Idle) leaves this state.
func (s *shard) suppress(key Key) {
	cond := s.conditions[key]
	if cond == nil {
		cond = &Condition{
			Key:        key,
			EpisodeID:  uuid.New().String(),
			LastSeenAt: time.Now().UTC(),
		}
		s.conditions[key] = cond
		metrics.ActiveConditions.Inc()
	} else {
		for i := range cond.rule.Tiers {
			s.engine.timers.Cancel(timerID(key, cond.EpisodeID, i+1))
		}
		metrics.PendingTimers.Set(float64(s.engine.timers.Pending()))
		s.engine.dispatcher.Cancel(key.LocationID, key.Channel)
	}

	cond.State = StateSuppressed
	metrics.ConditionTransitions.WithLabelValues("suppressed").Inc()

	lg := logger.WithComponent("gate")
	lg.Info().
		Str("location_id", key.LocationID).
		Str("channel", key.Channel).
		Msg("alert condition suppressed")

	s.saveSnapshot(cond)
}

// sweepResolved closes conditions whose below-threshold spell outlived the
// debounce window without a fresh assessment arriving to close them.
func (s *shard) sweepResolved() {
	now := time.Now().UTC()
	for key, cond := range s.conditions {
		if cond.State == StateSuppressed || cond.BelowSince.IsZero() {
			continue
		}
		if now.Sub(cond.BelowSince) >= cond.rule.DebounceWindow {
			s.resolve(key, cond)
		}
	}
}

func (s *shard) dispatchTier(cond *Condition, stage int, recipients []string, features map[string]float64, now time.Time) {
	job := dispatch.Job{
		EventID:          uuid.New().String(),
		LocationID:       cond.Key.LocationID,
		Channel:          cond.Key.Channel,
		Tier:             stage,
		Recipients:       recipients,
		RiskClass:        s.engine.policy.Classify(cond.LastProbability).String(),
		Probability:      cond.LastProbability,
		Features:         features,
		FirstTriggeredAt: cond.FirstTriggeredAt,
		TriggeredAt:      now,
	}

	if err := s.engine.dispatcher.Enqueue(job); err != nil {
		lg := logger.WithComponent("gate")
		lg.Error().Err(err).
			Str("location_id", cond.Key.LocationID).
			Str("channel", cond.Key.Channel).
			Int("tier", stage).
			Msg("failed to enqueue notification")
	}
}

func snapshotOf(cond *Condition) *state.ConditionSnapshot {
	return &state.ConditionSnapshot{
		LocationID:       cond.Key.LocationID,
		Channel:          cond.Key.Channel,
		State:            string(cond.State),
		Probability:      cond.LastProbability,
		FirstTriggeredAt: cond.FirstTriggeredAt,
		LastSeenAt:       cond.LastSeenAt,
		EscalationStage:  cond.EscalationStage,
	}
}

func (s *shard) saveSnapshot(cond *Condition) {
	if s.engine.snapshots == nil {
		return
	}

	snap := snapshotOf(cond)
	snap.RiskClass = s.engine.policy.Classify(cond.LastProbability).String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.engine.snapshots.Save(ctx, snap); err != nil {
		lg := logger.WithComponent("gate")
		lg.Error().Err(err).Msg("failed to save condition snapshot")
	}
}

func (s *shard) deleteSnapshot(key Key) {
	if s.engine.snapshots == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.engine.snapshots.Delete(ctx, key.LocationID, key.Channel); err != nil {
		lg := logger.WithComponent("gate")
		lg.Error().Err(err).Msg("failed to delete condition snapshot")
	}
}
