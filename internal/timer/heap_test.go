package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_FiresAtDueTime(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	fired := make(chan struct{})
	err := m.Schedule("t1", time.Now().Add(20*time.Millisecond), func() {
		close(fired)
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestManager_CancelPreventsFiring(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	fired := make(chan struct{})
	require.NoError(t, m.Schedule("t1", time.Now().Add(30*time.Millisecond), func() {
		close(fired)
	}))

	assert.True(t, m.Cancel("t1"))
	assert.False(t, m.Cancel("t1"), "second cancel finds nothing pending")

	select {
	case <-fired:
		t.Fatal("cancelled timer fired anyway")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_FiresInDueOrder(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	record := func(id string) func() {
		return func() {
			mu.Lock()
			order = append(order, id)
			n := len(order)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		}
	}

	now := time.Now()
	// Scheduled out of order on purpose
	require.NoError(t, m.Schedule("third", now.Add(90*time.Millisecond), record("third")))
	require.NoError(t, m.Schedule("first", now.Add(30*time.Millisecond), record("first")))
	require.NoError(t, m.Schedule("second", now.Add(60*time.Millisecond), record("second")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not all fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestManager_RescheduleReplacesEntry(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	var mu sync.Mutex
	count := 0
	fired := make(chan struct{}, 2)

	fn := func() {
		mu.Lock()
		count++
		mu.Unlock()
		fired <- struct{}{}
	}

	require.NoError(t, m.Schedule("t1", time.Now().Add(200*time.Millisecond), fn))
	require.NoError(t, m.Schedule("t1", time.Now().Add(20*time.Millisecond), fn))
	assert.Equal(t, 1, m.Pending())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled timer did not fire")
	}

	// The replaced entry must not fire later
	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestManager_Pending(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	assert.Equal(t, 0, m.Pending())

	far := time.Now().Add(time.Hour)
	require.NoError(t, m.Schedule("a", far, func() {}))
	require.NoError(t, m.Schedule("b", far, func() {}))
	assert.Equal(t, 2, m.Pending())

	m.Cancel("a")
	assert.Equal(t, 1, m.Pending())
}

func TestManager_ScheduleAfterStop(t *testing.T) {
	m := NewManager()
	m.Start()
	m.Stop()

	err := m.Schedule("t1", time.Now(), func() {})
	assert.ErrorIs(t, err, ErrManagerStopped)
}
