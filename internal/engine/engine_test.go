package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockfall-ai/risk-engine/internal/dispatch"
	"github.com/rockfall-ai/risk-engine/internal/protocol"
	"github.com/rockfall-ai/risk-engine/internal/risk"
	"github.com/rockfall-ai/risk-engine/internal/rules"
	"github.com/rockfall-ai/risk-engine/internal/timer"
)

type fakeRules struct {
	mu         sync.Mutex
	byLocation map[string][]rules.AlertRule
}

func (f *fakeRules) Rules(ctx context.Context, locationID string) ([]rules.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byLocation[locationID], nil
}

func (f *fakeRules) set(locationID string, rs ...rules.AlertRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byLocation == nil {
		f.byLocation = make(map[string][]rules.AlertRule)
	}
	f.byLocation[locationID] = rs
}

type fakeDispatcher struct {
	mu      sync.Mutex
	jobs    []dispatch.Job
	cancels []string
}

func (f *fakeDispatcher) Enqueue(job dispatch.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeDispatcher) Cancel(locationID, channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, locationID+"|"+channel)
	return 0
}

func (f *fakeDispatcher) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeDispatcher) allJobs() []dispatch.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Job, len(f.jobs))
	copy(out, f.jobs)
	return out
}

func (f *fakeDispatcher) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func emailRule(threshold float64, window time.Duration, tiers ...rules.EscalationTier) rules.AlertRule {
	return rules.AlertRule{
		ID:             1,
		LocationID:     "sector-7",
		Channel:        "email",
		Threshold:      threshold,
		Recipients:     []string{"ops@example.com"},
		DebounceWindow: window,
		Tiers:          tiers,
		Active:         true,
	}
}

func newTestEngine(t *testing.T, provider RuleProvider, disp Enqueuer) *Engine {
	t.Helper()

	tm := timer.NewManager()
	tm.Start()
	t.Cleanup(tm.Stop)

	eng := New(Config{
		Policy:     risk.NewPolicy(risk.DefaultBoundaries()),
		Provider:   provider,
		Dispatcher: disp,
		Timers:     tm,
		Shards:     4,
	})
	eng.Start()
	t.Cleanup(eng.Stop)

	return eng
}

// feed pushes one probability reading through the engine and waits for the
// owning shard to apply it.
func feed(t *testing.T, eng *Engine, locationID string, p float64) {
	t.Helper()

	require.NoError(t, eng.HandleAssessment(context.Background(), &risk.Assessment{
		LocationID:  locationID,
		Timestamp:   time.Now().UTC(),
		Probability: p,
	}))

	// Conditions drains a command through every shard, so the assessment
	// submitted above has been evaluated once this returns.
	_, err := eng.Conditions(context.Background())
	require.NoError(t, err)
}

func TestEngine_ActivationEmitsOnce(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.2)
	assert.Equal(t, 0, disp.jobCount(), "below threshold from idle emits nothing")

	feed(t, eng, "sector-7", 0.75)
	require.Equal(t, 1, disp.jobCount())

	// Sustained breach: bookkeeping only, no re-emission
	feed(t, eng, "sector-7", 0.8)
	feed(t, eng, "sector-7", 0.78)
	assert.Equal(t, 1, disp.jobCount())

	jobs := disp.allJobs()
	assert.Equal(t, 0, jobs[0].Tier)
	assert.Equal(t, "sector-7", jobs[0].LocationID)
	assert.Equal(t, "email", jobs[0].Channel)
	assert.Equal(t, "High", jobs[0].RiskClass)
	assert.Equal(t, []string{"ops@example.com"}, jobs[0].Recipients)

	snaps, err := eng.Conditions(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ACTIVE", snaps[0].State)
	assert.Equal(t, 0.78, snaps[0].Probability)
}

func TestEngine_ThresholdTieActivates(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.7)
	assert.Equal(t, 1, disp.jobCount())
}

func TestEngine_ResolveAfterDebounceThenReactivate(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, 40*time.Millisecond))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.75)
	require.Equal(t, 1, disp.jobCount())

	// First below-threshold reading opens the debounce spell
	feed(t, eng, "sector-7", 0.1)
	snaps, err := eng.Conditions(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1, "condition survives until the window elapses")

	time.Sleep(60 * time.Millisecond)
	feed(t, eng, "sector-7", 0.1)

	snaps, err = eng.Conditions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps, "condition resolved after the debounce window")
	assert.Equal(t, 1, disp.cancelCount())

	// A fresh breach opens a new episode with its own base alert
	feed(t, eng, "sector-7", 0.75)
	jobs := disp.allJobs()
	require.Len(t, jobs, 2)
	assert.NotEqual(t, jobs[0].EventID, jobs[1].EventID)
}

func TestEngine_RecoveryWithinWindowKeepsEpisode(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.75)
	feed(t, eng, "sector-7", 0.1) // dips below
	feed(t, eng, "sector-7", 0.8) // back above before the window elapses

	assert.Equal(t, 1, disp.jobCount(), "a flap inside the window never re-emits")

	snaps, err := eng.Conditions(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ACTIVE", snaps[0].State)
}

func TestEngine_EscalationFiresInOrder(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute,
		rules.EscalationTier{Delay: 40 * time.Millisecond, Recipients: []string{"supervisor@example.com"}},
		rules.EscalationTier{Delay: 80 * time.Millisecond, Recipients: []string{"site-manager@example.com"}},
	))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.9)

	require.Eventually(t, func() bool { return disp.jobCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	jobs := disp.allJobs()
	assert.Equal(t, 0, jobs[0].Tier)
	assert.Equal(t, 1, jobs[1].Tier)
	assert.Equal(t, []string{"supervisor@example.com"}, jobs[1].Recipients)
	assert.Equal(t, 2, jobs[2].Tier)
	assert.Equal(t, []string{"site-manager@example.com"}, jobs[2].Recipients)

	snaps, err := eng.Conditions(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ESCALATED", snaps[0].State)
	assert.Equal(t, 2, snaps[0].EscalationStage)
}

func TestEngine_ResolveCancelsPendingEscalations(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, 20*time.Millisecond,
		rules.EscalationTier{Delay: 300 * time.Millisecond, Recipients: []string{"supervisor@example.com"}},
	))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.9)
	require.Equal(t, 1, disp.jobCount())

	feed(t, eng, "sector-7", 0.1)
	time.Sleep(40 * time.Millisecond)
	feed(t, eng, "sector-7", 0.1) // resolves, cancelling the armed tier

	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, 1, disp.jobCount(), "cancelled escalation must not fire")
}

func TestEngine_SuppressAndReactivate(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	ctx := context.Background()

	feed(t, eng, "sector-7", 0.9)
	require.Equal(t, 1, disp.jobCount())

	require.NoError(t, eng.Suppress(ctx, "sector-7", "email"))

	// Suppressed conditions ignore further readings entirely
	feed(t, eng, "sector-7", 0.95)
	feed(t, eng, "sector-7", 0.1)
	assert.Equal(t, 1, disp.jobCount())

	snaps, err := eng.Conditions(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "SUPPRESSED", snaps[0].State)

	require.NoError(t, eng.Reactivate(ctx, "sector-7", "email"))

	snaps, err = eng.Conditions(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps, "reactivation returns the key to idle")

	// Reactivating an idle key is an error
	assert.ErrorIs(t, eng.Reactivate(ctx, "sector-7", "email"), ErrUnknownCondition)

	// The next qualifying reading starts a fresh episode
	feed(t, eng, "sector-7", 0.9)
	assert.Equal(t, 2, disp.jobCount())
}

func TestEngine_SuppressIdleKeyPreSilences(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	require.NoError(t, eng.Suppress(context.Background(), "sector-7", "email"))

	feed(t, eng, "sector-7", 0.9)
	assert.Equal(t, 0, disp.jobCount(), "a pre-silenced channel never activates")
}

func TestEngine_LocationsIndependent(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	north := emailRule(0.7, time.Minute)
	north.LocationID = "sector-12"
	provider.set("sector-12", north)
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.9)
	feed(t, eng, "sector-12", 0.2)

	jobs := disp.allJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "sector-7", jobs[0].LocationID)
}

func TestEngine_ChannelsIndependent(t *testing.T) {
	provider := &fakeRules{}
	sms := emailRule(0.9, time.Minute)
	sms.Channel = "sms"
	provider.set("sector-7", emailRule(0.5, time.Minute), sms)
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.6)

	jobs := disp.allJobs()
	require.Len(t, jobs, 1, "only the email rule's threshold is met")
	assert.Equal(t, "email", jobs[0].Channel)

	feed(t, eng, "sector-7", 0.95)
	require.Equal(t, 2, disp.jobCount(), "the sms rule activates independently")
}

func TestEngine_RuleRemovalResolvesOrphanedCondition(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	feed(t, eng, "sector-7", 0.9)
	require.Equal(t, 1, disp.jobCount())

	provider.set("sector-7") // rule deleted mid-episode
	feed(t, eng, "sector-7", 0.9)

	snaps, err := eng.Conditions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestEngine_HandleMessage(t *testing.T) {
	provider := &fakeRules{}
	provider.set("sector-7", emailRule(0.7, time.Minute))
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, provider, disp)

	ctx := context.Background()

	err := eng.HandleMessage(ctx, &protocol.AssessmentMessage{})
	assert.Error(t, err, "message without a location is rejected")

	p := 0.9
	require.NoError(t, eng.HandleMessage(ctx, &protocol.AssessmentMessage{
		LocationID:  "sector-7",
		Probability: &p,
		Features:    map[string]float64{"displacement_mm": 4.2},
	}))

	_, err = eng.Conditions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, disp.jobCount())
	assert.Equal(t, 0.9, disp.allJobs()[0].Probability)

	// Features without a probability need a scorer; none is configured here
	err = eng.HandleMessage(ctx, &protocol.AssessmentMessage{
		LocationID: "sector-7",
		Features:   map[string]float64{"displacement_mm": 4.2},
	})
	assert.Error(t, err)
}
