package timer

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrManagerStopped is returned by Schedule after Stop.
var ErrManagerStopped = errors.New("timer manager is stopped")

// task is a pending firing ordered by its due time.
type task struct {
	id     string
	dueAt  time.Time
	fire   func()
	index  int // index in the heap (for heap.Interface)
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	t := x.(*task)
	t.index = n
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil  // avoid memory leak
	t.index = -1    // for safety
	*h = old[0 : n-1]
	return t
}

// Manager is a min-heap delay queue with O(1) cancellation by ID. It backs
// the escalation scheduler: one entry per armed tier, cancelled when the
// underlying condition resolves before the delay elapses.
type Manager struct {
	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*task // O(1) lookup by ID
	wakeup  chan struct{}
	stopCh  chan struct{}
	stopped bool
}

func NewManager() *Manager {
	m := &Manager{
		heap:   make(taskHeap, 0),
		tasks:  make(map[string]*task),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	heap.Init(&m.heap)
	return m
}

// Start launches the scheduler loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop shuts the scheduler down. Pending tasks never fire.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	m.mu.Unlock()
}

// Schedule arms fn to run at dueAt. Scheduling an ID that is already
// pending replaces the existing entry.
func (m *Manager) Schedule(id string, dueAt time.Time, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}

	if existing, ok := m.tasks[id]; ok {
		heap.Remove(&m.heap, existing.index)
		delete(m.tasks, id)
	}

	t := &task{id: id, dueAt: dueAt, fire: fn}
	heap.Push(&m.heap, t)
	m.tasks[id] = t

	// Wake the scheduler if this became the earliest entry
	if m.heap[0] == t {
		select {
		case m.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// Cancel removes a pending task. Returns false if no such task is pending.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return false
	}

	heap.Remove(&m.heap, t.index)
	delete(m.tasks, id)
	return true
}

// Pending returns the number of armed tasks.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Manager) run() {
	for {
		m.mu.Lock()

		if m.stopped {
			m.mu.Unlock()
			return
		}

		var wait time.Duration
		if m.heap.Len() == 0 {
			wait = 24 * time.Hour
		} else {
			next := m.heap[0]
			wait = time.Until(next.dueAt)

			if wait <= 0 {
				t := heap.Pop(&m.heap).(*task)
				delete(m.tasks, t.id)
				m.mu.Unlock()

				// Firing must not block the scheduler loop
				go t.fire()
				continue
			}
		}

		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-m.wakeup:
			timer.Stop()
		case <-m.stopCh:
			timer.Stop()
			return
		}
	}
}
