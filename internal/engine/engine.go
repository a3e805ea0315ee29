package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rockfall-ai/risk-engine/internal/dispatch"
	"github.com/rockfall-ai/risk-engine/internal/logger"
	"github.com/rockfall-ai/risk-engine/internal/metrics"
	"github.com/rockfall-ai/risk-engine/internal/protocol"
	"github.com/rockfall-ai/risk-engine/internal/queue"
	"github.com/rockfall-ai/risk-engine/internal/risk"
	"github.com/rockfall-ai/risk-engine/internal/rules"
	"github.com/rockfall-ai/risk-engine/internal/state"
)

// ErrUnknownCondition is returned by suppression calls for keys with no
// live condition and no rule history.
var ErrUnknownCondition = errors.New("no such condition")

// RuleProvider supplies the active rules for a location.
type RuleProvider interface {
	Rules(ctx context.Context, locationID string) ([]rules.AlertRule, error)
}

// Enqueuer accepts notification jobs; Cancel drops queued escalation sends
// for a resolved condition.
type Enqueuer interface {
	Enqueue(job dispatch.Job) error
	Cancel(locationID, channel string) int
}

// Snapshotter mirrors condition states for dashboard reads.
type Snapshotter interface {
	Save(ctx context.Context, snap *state.ConditionSnapshot) error
	Delete(ctx context.Context, locationID, channel string) error
}

// Timers is the delay queue used for escalation tiers.
type Timers interface {
	Schedule(id string, dueAt time.Time, fn func()) error
	Cancel(id string) bool
	Pending() int
}

type Config struct {
	Policy       *risk.Policy
	Adapter      *risk.Adapter // may be nil when upstream pre-scores everything
	Provider     RuleProvider
	Dispatcher   Enqueuer
	Snapshots    Snapshotter // may be nil
	Timers       Timers
	Shards       int
	EvalInterval time.Duration
}

// Engine owns the condition table. Locations hash onto shards; each shard
// is a single goroutine, so all transitions for one location are
// serialized while distinct locations evaluate in parallel. Escalation
// timer firings re-enter through the owning shard.
type Engine struct {
	policy       *risk.Policy
	adapter      *risk.Adapter
	provider     RuleProvider
	dispatcher   Enqueuer
	snapshots    Snapshotter
	timers       Timers
	evalInterval time.Duration

	shards []*shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type shard struct {
	engine     *Engine
	cmds       chan func()
	conditions map[Key]*Condition
	// last seen feature vector per location, for cadence re-scoring
	features map[string]map[string]float64
}

func New(cfg Config) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		policy:       cfg.Policy,
		adapter:      cfg.Adapter,
		provider:     cfg.Provider,
		dispatcher:   cfg.Dispatcher,
		snapshots:    cfg.Snapshots,
		timers:       cfg.Timers,
		evalInterval: cfg.EvalInterval,
		ctx:          ctx,
		cancel:       cancel,
	}

	e.shards = make([]*shard, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = &shard{
			engine:     e,
			cmds:       make(chan func(), 256),
			conditions: make(map[Key]*Condition),
			features:   make(map[string]map[string]float64),
		}
	}

	return e
}

// Start launches the shard workers and the cadence loop.
func (e *Engine) Start() {
	for _, s := range e.shards {
		e.wg.Add(1)
		go s.run(&e.wg, e.ctx)
	}

	if e.evalInterval > 0 {
		e.wg.Add(1)
		go e.cadenceLoop()
	}

	lg := logger.WithComponent("engine")
	lg.Info().
		Int("shards", len(e.shards)).
		Dur("eval_interval", e.evalInterval).
		Msg("engine started")
}

// Stop drains the shards and stops the cadence loop.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) shardFor(locationID string) *shard {
	return e.shards[queue.ShardForLocation(locationID, len(e.shards))]
}

func (s *shard) run(wg *sync.WaitGroup, ctx context.Context) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// submit hands a command to the shard goroutine. Blocks if the shard's
// queue is full so assessment ingest exerts backpressure on the consumer.
func (s *shard) submit(ctx context.Context, cmd func()) error {
	select {
	case s.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage evaluates one ingested assessment payload. Scoring (when
// the payload carries only features) happens on the caller's goroutine so
// network latency never blocks a shard.
func (e *Engine) HandleMessage(ctx context.Context, msg *protocol.AssessmentMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var assessment *risk.Assessment
	if msg.Probability != nil {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		assessment = &risk.Assessment{
			LocationID:  msg.LocationID,
			Timestamp:   ts,
			Probability: *msg.Probability,
			Features:    msg.Features,
		}
	} else {
		if e.adapter == nil {
			return fmt.Errorf("message for %s carries no probability and no scorer is configured", msg.LocationID)
		}
		var err error
		assessment, err = e.adapter.Evaluate(ctx, msg.LocationID, msg.Features)
		if err != nil {
			if errors.Is(err, risk.ErrUpstreamUnavailable) {
				metrics.ScorerErrors.Inc()
			}
			return err
		}
	}

	metrics.AssessmentsTotal.WithLabelValues("stream").Inc()
	return e.HandleAssessment(ctx, assessment)
}

// HandleAssessment runs one assessment through the condition state machine
// on the location's owning shard.
func (e *Engine) HandleAssessment(ctx context.Context, a *risk.Assessment) error {
	s := e.shardFor(a.LocationID)
	return s.submit(ctx, func() {
		if len(a.Features) > 0 {
			s.features[a.LocationID] = a.Features
		}
		s.evaluate(a)
	})
}

// Suppress freezes a condition until an operator reactivates it. Works
// from any state, including Idle, so operators can pre-silence a channel.
func (e *Engine) Suppress(ctx context.Context, locationID, channel string) error {
	key := Key{LocationID: locationID, Channel: channel}
	s := e.shardFor(locationID)

	done := make(chan struct{})
	err := s.submit(ctx, func() {
		defer close(done)
		s.suppress(key)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Reactivate returns a suppressed condition to Idle. The next qualifying
// assessment starts a fresh episode.
func (e *Engine) Reactivate(ctx context.Context, locationID, channel string) error {
	key := Key{LocationID: locationID, Channel: channel}
	s := e.shardFor(locationID)

	var rerr error
	done := make(chan struct{})
	err := s.submit(ctx, func() {
		defer close(done)
		cond := s.conditions[key]
		if cond == nil || cond.State != StateSuppressed {
			rerr = fmt.Errorf("%w: %s is not suppressed", ErrUnknownCondition, key)
			return
		}
		delete(s.conditions, key)
		metrics.ConditionTransitions.WithLabelValues("reactivated").Inc()
		metrics.ActiveConditions.Dec()
		s.deleteSnapshot(key)
	})
	if err != nil {
		return err
	}
	<-done
	return rerr
}

// Conditions returns a point-in-time copy of every live condition.
func (e *Engine) Conditions(ctx context.Context) ([]*state.ConditionSnapshot, error) {
	var (
		mu  sync.Mutex
		out []*state.ConditionSnapshot
		wg  sync.WaitGroup
	)

	for _, s := range e.shards {
		s := s
		wg.Add(1)
		err := s.submit(ctx, func() {
			defer wg.Done()
			mu.Lock()
			for _, cond := range s.conditions {
				out = append(out, snapshotOf(cond))
			}
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			return nil, err
		}
	}

	wg.Wait()
	return out, nil
}

// cadenceLoop periodically re-scores every tracked location from its last
// feature vector and sweeps conditions whose below-threshold spell has
// outlived the debounce window.
func (e *Engine) cadenceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runCadence()
		}
	}
}

func (e *Engine) runCadence() {
	log := logger.WithComponent("engine")

	for _, s := range e.shards {
		s := s
		err := s.submit(e.ctx, func() {
			s.sweepResolved()

			if e.adapter == nil {
				return
			}
			for locationID, features := range s.features {
				ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
				assessment, err := e.adapter.Evaluate(ctx, locationID, features)
				cancel()
				if err != nil {
					// Scorer unreachable: skip the cycle, never invent a
					// probability. The next tick retries naturally.
					metrics.ScorerErrors.Inc()
					log.Warn().Str("location_id", locationID).Err(err).Msg("skipping evaluation cycle")
					continue
				}
				metrics.AssessmentsTotal.WithLabelValues("cadence").Inc()
				s.evaluate(assessment)
			}
		})
		if err != nil {
			return
		}
	}
}
