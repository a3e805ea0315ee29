package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockfall-ai/risk-engine/internal/database"
	"github.com/rockfall-ai/risk-engine/internal/notification"
)

type fakeChannel struct {
	name string
	fail func(recipient string) error

	mu    sync.Mutex
	sends []notification.Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, recipient string, msg notification.Message) error {
	if f.fail != nil {
		if err := f.fail(recipient); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sends = append(f.sends, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) sent() []notification.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notification.Message, len(f.sends))
	copy(out, f.sends)
	return out
}

type memRecorder struct {
	mu       sync.Mutex
	events   []*database.AlertEvent
	attempts []*database.NotificationAttempt
}

func (m *memRecorder) InsertAlertEvent(ctx context.Context, event *database.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memRecorder) InsertNotificationAttempt(ctx context.Context, attempt *database.NotificationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *memRecorder) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memRecorder) allEvents() []*database.AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.AlertEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *memRecorder) allAttempts() []*database.NotificationAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.NotificationAttempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

func testJob(tier int, recipients ...string) Job {
	if len(recipients) == 0 {
		recipients = []string{"ops@example.com"}
	}
	return Job{
		EventID:          "evt-1",
		LocationID:       "sector-7",
		Channel:          "email",
		Tier:             tier,
		Recipients:       recipients,
		RiskClass:        "High",
		Probability:      0.81,
		FirstTriggeredAt: time.Now().UTC(),
		TriggeredAt:      time.Now().UTC(),
	}
}

func TestDispatcher_SendsAndRecords(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	rec := &memRecorder{}

	d := New(Config{
		Channels: notification.Registry{"email": ch},
		Recorder: rec,
		Workers:  2,
	})
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(testJob(0, "a@example.com", "b@example.com")))

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	events := rec.allEvents()
	assert.Equal(t, database.OutcomeSent, events[0].Outcome)
	assert.Equal(t, 2, events[0].SentCount)
	assert.Equal(t, 0, events[0].FailedCount)
	assert.Equal(t, "High", events[0].RiskClass)
	assert.Len(t, ch.sent(), 2)

	attempts := rec.allAttempts()
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, database.AttemptSent, a.Result)
		assert.Equal(t, 1, a.Attempt)
	}
}

func TestDispatcher_RetryBudgetExhausted(t *testing.T) {
	sendErr := errors.New("smtp connect refused")
	ch := &fakeChannel{name: "email", fail: func(string) error { return sendErr }}
	rec := &memRecorder{}

	d := New(Config{
		Channels:    notification.Registry{"email": ch},
		Recorder:    rec,
		Workers:     1,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(testJob(0)))

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	events := rec.allEvents()
	assert.Equal(t, database.OutcomeFailed, events[0].Outcome)
	assert.Equal(t, 0, events[0].SentCount)
	assert.Equal(t, 1, events[0].FailedCount)

	attempts := rec.allAttempts()
	require.Len(t, attempts, 3, "one record per attempt, no more than the budget")
	assert.Equal(t, database.AttemptRetrying, attempts[0].Result)
	assert.Equal(t, database.AttemptRetrying, attempts[1].Result)
	assert.Equal(t, database.AttemptFailed, attempts[2].Result)
	require.NotNil(t, attempts[2].ErrorDetail)
	assert.Equal(t, sendErr.Error(), *attempts[2].ErrorDetail)
}

func TestDispatcher_PartialDelivery(t *testing.T) {
	ch := &fakeChannel{name: "email", fail: func(recipient string) error {
		if recipient == "down@example.com" {
			return errors.New("mailbox unavailable")
		}
		return nil
	}}
	rec := &memRecorder{}

	d := New(Config{
		Channels:    notification.Registry{"email": ch},
		Recorder:    rec,
		Workers:     1,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	})
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(testJob(0, "up@example.com", "down@example.com")))

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	events := rec.allEvents()
	assert.Equal(t, database.OutcomePartial, events[0].Outcome)
	assert.Equal(t, 1, events[0].SentCount)
	assert.Equal(t, 1, events[0].FailedCount)
}

func TestDispatcher_SameConditionJobsSerialized(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	rec := &memRecorder{}

	d := New(Config{
		Channels: notification.Registry{"email": ch},
		Recorder: rec,
		Workers:  8,
	})
	d.Start()
	defer d.Stop()

	for tier := 0; tier < 3; tier++ {
		require.NoError(t, d.Enqueue(testJob(tier)))
	}

	require.Eventually(t, func() bool { return rec.eventCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	var tiers []int
	for _, e := range rec.allEvents() {
		tiers = append(tiers, e.Tier)
	}
	assert.Equal(t, []int{0, 1, 2}, tiers, "tier firings for one condition keep enqueue order")
}

func TestDispatcher_OverloadRecordedNotSilent(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	rec := &memRecorder{}

	// Workers never started, so the first job sits queued
	d := New(Config{
		Channels:   notification.Registry{"email": ch},
		Recorder:   rec,
		QueueDepth: 1,
	})

	require.NoError(t, d.Enqueue(testJob(0)))

	err := d.Enqueue(testJob(1))
	require.ErrorIs(t, err, ErrOverloaded)

	events := rec.allEvents()
	require.Len(t, events, 1)
	assert.Equal(t, database.OutcomeOverloaded, events[0].Outcome)
	assert.Equal(t, 1, events[0].Tier)
	assert.Equal(t, "dispatch queue full", events[0].Detail)
}

func TestDispatcher_CancelDropsOnlyEscalations(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	rec := &memRecorder{}

	d := New(Config{
		Channels:   notification.Registry{"email": ch},
		Recorder:   rec,
		Workers:    1,
		QueueDepth: 10,
	})

	require.NoError(t, d.Enqueue(testJob(0)))
	require.NoError(t, d.Enqueue(testJob(1)))
	require.NoError(t, d.Enqueue(testJob(2)))

	dropped := d.Cancel("sector-7", "email")
	assert.Equal(t, 2, dropped)

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	events := rec.allEvents()
	require.Len(t, events, 1, "the base alert survives the cancel")
	assert.Equal(t, 0, events[0].Tier)
}

func TestDispatcher_UnknownChannelRecordedFailed(t *testing.T) {
	rec := &memRecorder{}

	d := New(Config{
		Channels: notification.Registry{},
		Recorder: rec,
		Workers:  1,
	})
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(testJob(0)))

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	events := rec.allEvents()
	assert.Equal(t, database.OutcomeFailed, events[0].Outcome)
	assert.Contains(t, events[0].Detail, "no sender registered")
}
