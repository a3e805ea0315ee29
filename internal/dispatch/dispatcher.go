package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rockfall-ai/risk-engine/internal/database"
	"github.com/rockfall-ai/risk-engine/internal/logger"
	"github.com/rockfall-ai/risk-engine/internal/metrics"
	"github.com/rockfall-ai/risk-engine/internal/notification"
	"github.com/rockfall-ai/risk-engine/internal/protocol"
)

// ErrOverloaded is returned when a condition's dispatch queue is full. The
// dropped notification is still recorded in history.
var ErrOverloaded = errors.New("dispatch queue full")

// Job is one notification request: one condition tier firing, fanned out to
// its recipient set.
type Job struct {
	EventID          string
	LocationID       string
	Channel          string
	Tier             int
	Recipients       []string
	RiskClass        string
	Probability      float64
	Features         map[string]float64
	FirstTriggeredAt time.Time
	TriggeredAt      time.Time
}

func (j *Job) conditionKey() string {
	return j.LocationID + "|" + j.Channel
}

// Recorder appends dispatch outcomes to the history ledger.
type Recorder interface {
	InsertAlertEvent(ctx context.Context, event *database.AlertEvent) error
	InsertNotificationAttempt(ctx context.Context, attempt *database.NotificationAttempt) error
}

// Publisher fans dispatched events out to downstream consumers. Optional.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type Config struct {
	Channels    notification.Registry
	Recorder    Recorder
	Publisher   Publisher // may be nil
	Workers     int
	QueueDepth  int
	MaxAttempts int
	BackoffBase time.Duration
}

// Dispatcher delivers notifications on a bounded worker pool. Jobs for the
// same (location, channel) condition run strictly in enqueue order so the
// history ledger preserves tier ordering; distinct conditions run
// concurrently.
type Dispatcher struct {
	channels    notification.Registry
	recorder    Recorder
	publisher   Publisher
	workers     int
	queueDepth  int
	maxAttempts int
	backoffBase time.Duration

	mu       sync.Mutex
	queues   map[string]*keyQueue
	runnable chan *keyQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// keyQueue is the FIFO of pending jobs for one condition key. active means
// a worker currently owns it; at most one worker drains a key at a time.
type keyQueue struct {
	key    string
	jobs   []Job
	active bool
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		channels:    cfg.Channels,
		recorder:    cfg.Recorder,
		publisher:   cfg.Publisher,
		workers:     cfg.Workers,
		queueDepth:  cfg.QueueDepth,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		queues:      make(map[string]*keyQueue),
		runnable:    make(chan *keyQueue, 4096),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	log := logger.WithComponent("dispatcher")
	log.Info().
		Int("workers", d.workers).
		Int("queue_depth", d.queueDepth).
		Int("max_attempts", d.maxAttempts).
		Msg("starting dispatch pool")

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop drains nothing: in-flight sends finish, queued jobs are abandoned.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Enqueue queues one notification job. When the condition's queue is at
// capacity the job is dropped and recorded as Overloaded rather than
// growing memory without bound.
func (d *Dispatcher) Enqueue(job Job) error {
	key := job.conditionKey()

	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = &keyQueue{key: key}
		d.queues[key] = q
	}

	if len(q.jobs) >= d.queueDepth {
		d.mu.Unlock()
		d.recordOverload(job)
		return fmt.Errorf("%w: condition %s", ErrOverloaded, key)
	}

	q.jobs = append(q.jobs, job)
	wake := !q.active
	if wake {
		q.active = true
	}
	d.mu.Unlock()

	metrics.DispatchQueueDepth.Inc()

	if wake {
		select {
		case d.runnable <- q:
		default:
			// Runnable backlog full: undo and drop rather than block the
			// evaluation loop.
			d.mu.Lock()
			q.jobs = q.jobs[:len(q.jobs)-1]
			q.active = false
			d.mu.Unlock()
			metrics.DispatchQueueDepth.Dec()
			d.recordOverload(job)
			return fmt.Errorf("%w: condition %s", ErrOverloaded, key)
		}
	}

	return nil
}

// Cancel drops queued, not-yet-started escalation sends for a condition.
// Called when the condition resolves. Base-tier jobs stay queued (the
// alert itself already happened and must reach history), and
// already-dispatched sends are not recalled.
func (d *Dispatcher) Cancel(locationID, channel string) int {
	key := locationID + "|" + channel

	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[key]
	if !ok {
		return 0
	}

	kept := q.jobs[:0]
	dropped := 0
	for _, job := range q.jobs {
		if job.Tier > 0 {
			dropped++
			continue
		}
		kept = append(kept, job)
	}
	q.jobs = kept

	metrics.DispatchQueueDepth.Sub(float64(dropped))
	return dropped
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case q := <-d.runnable:
			d.drain(q)
		}
	}
}

// drain processes one key's queue to exhaustion. Because only the owning
// worker pops from the queue, jobs for one condition are serialized.
func (d *Dispatcher) drain(q *keyQueue) {
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			q.active = false
			d.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		metrics.DispatchQueueDepth.Dec()
		d.process(job)

		select {
		case <-d.ctx.Done():
			d.mu.Lock()
			q.active = false
			d.mu.Unlock()
			return
		default:
		}
	}
}

func (d *Dispatcher) process(job Job) {
	log := logger.WithComponent("dispatcher")
	start := time.Now()

	ch, ok := d.channels[job.Channel]
	if !ok {
		log.Error().Str("channel", job.Channel).Msg("no sender registered for channel")
		d.recordEvent(job, database.OutcomeFailed,
			fmt.Sprintf("no sender registered for channel %q", job.Channel), 0, len(job.Recipients))
		return
	}

	msg := notification.Message{
		LocationID:       job.LocationID,
		RiskClass:        job.RiskClass,
		Probability:      job.Probability,
		Tier:             job.Tier,
		FirstTriggeredAt: job.FirstTriggeredAt,
		TriggeredAt:      job.TriggeredAt,
		Features:         job.Features,
	}

	sent, failed := 0, 0
	for _, recipient := range job.Recipients {
		if d.sendWithRetry(ch, job.EventID, recipient, msg) {
			sent++
		} else {
			failed++
		}
	}

	outcome := database.OutcomeSent
	detail := ""
	switch {
	case sent == 0:
		outcome = database.OutcomeFailed
		detail = fmt.Sprintf("all %d recipients failed after %d attempts each", failed, d.maxAttempts)
	case failed > 0:
		outcome = database.OutcomePartial
		detail = fmt.Sprintf("%d of %d recipients failed", failed, sent+failed)
	}

	d.recordEvent(job, outcome, detail, sent, failed)
	metrics.DispatchDuration.WithLabelValues(job.Channel).Observe(time.Since(start).Seconds())
}

// sendWithRetry tries one recipient up to the attempt budget with
// exponential backoff, recording every try. Terminal failure is recorded
// only once the budget is exhausted.
func (d *Dispatcher) sendWithRetry(ch notification.Channel, eventID, recipient string, msg notification.Message) bool {
	log := logger.WithComponent("dispatcher")

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := ch.Send(d.ctx, recipient, msg)
		now := time.Now().UTC()

		if err == nil {
			d.recordAttempt(&database.NotificationAttempt{
				EventID:     eventID,
				Channel:     ch.Name(),
				Recipient:   recipient,
				Attempt:     attempt,
				Result:      database.AttemptSent,
				AttemptedAt: now,
			})
			metrics.DispatchAttempts.WithLabelValues(ch.Name(), "sent").Inc()
			return true
		}

		result := database.AttemptRetrying
		metricResult := "retrying"
		if attempt == d.maxAttempts {
			result = database.AttemptFailed
			metricResult = "failed"
		}

		detail := err.Error()
		d.recordAttempt(&database.NotificationAttempt{
			EventID:     eventID,
			Channel:     ch.Name(),
			Recipient:   recipient,
			Attempt:     attempt,
			Result:      result,
			ErrorDetail: &detail,
			AttemptedAt: now,
		})
		metrics.DispatchAttempts.WithLabelValues(ch.Name(), metricResult).Inc()

		log.Warn().
			Str("channel", ch.Name()).
			Str("recipient", recipient).
			Int("attempt", attempt).
			Err(err).
			Msg("notification attempt failed")

		if attempt < d.maxAttempts {
			backoff := d.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-d.ctx.Done():
				return false
			}
		}
	}

	return false
}

func (d *Dispatcher) recordOverload(job Job) {
	metrics.DispatchDropped.Inc()
	log := logger.WithComponent("dispatcher")
	log.Error().
		Str("location_id", job.LocationID).
		Str("channel", job.Channel).
		Int("tier", job.Tier).
		Msg("dispatch queue full, dropping notification")

	d.recordEvent(job, database.OutcomeOverloaded, "dispatch queue full", 0, len(job.Recipients))
}

func (d *Dispatcher) recordEvent(job Job, outcome, detail string, sent, failed int) {
	log := logger.WithComponent("dispatcher")

	features := "{}"
	if len(job.Features) > 0 {
		if data, err := json.Marshal(job.Features); err == nil {
			features = string(data)
		}
	}

	event := &database.AlertEvent{
		EventID:          job.EventID,
		LocationID:       job.LocationID,
		Channel:          job.Channel,
		Tier:             job.Tier,
		Recipients:       job.Recipients,
		RiskClass:        job.RiskClass,
		Probability:      job.Probability,
		Features:         features,
		Outcome:          outcome,
		Detail:           detail,
		SentCount:        sent,
		FailedCount:      failed,
		FirstTriggeredAt: job.FirstTriggeredAt,
		TriggeredAt:      job.TriggeredAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.recorder.InsertAlertEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("event_id", job.EventID).Msg("failed to record alert event")
	}
	metrics.EventsRecorded.WithLabelValues(job.RiskClass, outcome).Inc()

	if d.publisher != nil {
		d.publishEvent(ctx, event)
	}
}

func (d *Dispatcher) publishEvent(ctx context.Context, event *database.AlertEvent) {
	data, err := protocol.EncodeAlertEventMessage(&protocol.AlertEventMessage{
		EventID:          event.EventID,
		LocationID:       event.LocationID,
		Channel:          event.Channel,
		Tier:             event.Tier,
		RiskClass:        event.RiskClass,
		Probability:      event.Probability,
		Outcome:          event.Outcome,
		FirstTriggeredAt: event.FirstTriggeredAt,
		TriggeredAt:      event.TriggeredAt,
	})
	if err != nil {
		log := logger.WithComponent("dispatcher")
		log.Error().Err(err).Msg("failed to encode alert event")
		return
	}

	key := event.LocationID + "-" + event.Channel
	if err := d.publisher.Publish(ctx, key, data); err != nil {
		log := logger.WithComponent("dispatcher")
		log.Error().Err(err).Msg("failed to publish alert event")
	}
}

func (d *Dispatcher) recordAttempt(attempt *database.NotificationAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.recorder.InsertNotificationAttempt(ctx, attempt); err != nil {
		log := logger.WithComponent("dispatcher")
		log.Error().
			Err(err).
			Str("event_id", attempt.EventID).
			Msg("failed to record notification attempt")
	}
}
