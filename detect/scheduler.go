// Package detect runs the detection scheduler: every running strategy is
// evaluated on its own cadence against the event store, and hits are handed
// to the risk ticket engine.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"

	"go.uber.org/zap"
)

// StrategyProvider supplies the current set of strategies in running state.
// The schedulable-vs-not decision is never stored; it is re-derived from
// control state on every refresh.
type StrategyProvider interface {
	GetRunningStrategies() ([]core.Strategy, error)
	// RecordEvaluationError surfaces an evaluation failure on the strategy
	// without a state change. Empty message clears a previous failure.
	RecordEvaluationError(id, message string) error
}

// EventStore answers windowed event queries for evaluation cycles.
type EventStore interface {
	QueryWindow(ctx context.Context, from, to time.Time) ([]*core.Event, error)
}

// HitSink consumes detection hits. The risk ticket engine implements this.
type HitSink interface {
	IngestHit(ctx context.Context, hit *core.Hit) error
}

// ModelRunner evaluates a model strategy's bound solution over a window.
// Rule strategies never touch it.
type ModelRunner interface {
	Run(ctx context.Context, strategy *core.Strategy, events []*core.Event) ([]*core.Hit, error)
}

// Scheduler owns one evaluation loop per running strategy. A strategy with
// an evaluation still in flight skips the tick; one strategy's failure
// never affects another's cadence.
type Scheduler struct {
	provider  StrategyProvider
	events    EventStore
	sink      HitSink
	models    ModelRunner
	evaluator *Evaluator
	logger    *zap.SugaredLogger

	refreshInterval time.Duration
	sem             chan struct{}

	mu       sync.Mutex
	tasks    map[string]*strategyTask
	inFlight map[string]bool
	failed   map[string]bool

	// lifeCtx spans the scheduler's lifetime. Evaluations run under it
	// rather than their strategy's task context, so unscheduling a
	// strategy never aborts a cycle already in flight.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type strategyTask struct {
	strategy core.Strategy
	cancel   context.CancelFunc
}

// SchedulerConfig holds the scheduler's tunables.
type SchedulerConfig struct {
	// RefreshInterval is how often the running-strategy set is re-read.
	RefreshInterval time.Duration
	// MaxConcurrent caps simultaneous evaluations across all strategies.
	MaxConcurrent int
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(provider StrategyProvider, events EventStore, sink HitSink, models ModelRunner, cfg SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Scheduler{
		provider:        provider,
		events:          events,
		sink:            sink,
		models:          models,
		evaluator:       NewEvaluator(),
		logger:          logger,
		refreshInterval: cfg.RefreshInterval,
		sem:             make(chan struct{}, cfg.MaxConcurrent),
		tasks:           make(map[string]*strategyTask),
		inFlight:        make(map[string]bool),
		failed:          make(map[string]bool),
		lifeCtx:         lifeCtx,
		lifeCancel:      lifeCancel,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refresh()
		ticker := time.NewTicker(s.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.refresh()
			}
		}
	}()
}

// Stop cancels all strategy loops and in-flight evaluations and waits for
// them to drain.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	for _, t := range s.tasks {
		t.cancel()
	}
	s.mu.Unlock()
	s.lifeCancel()
	s.wg.Wait()
}

// refresh reconciles the task set against the strategies currently running.
// A strategy that left running keeps its in-flight evaluation but gets no
// further ticks.
func (s *Scheduler) refresh() {
	strategies, err := s.provider.GetRunningStrategies()
	if err != nil {
		s.logger.Errorw("Failed to refresh running strategies", "error", err)
		return
	}

	current := make(map[string]core.Strategy, len(strategies))
	for _, st := range strategies {
		current[st.ID] = st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, task := range s.tasks {
		st, ok := current[id]
		if !ok {
			task.cancel()
			delete(s.tasks, id)
			s.logger.Infow("Strategy unscheduled", "strategy_id", id)
			continue
		}
		if !st.UpdatedAt.Equal(task.strategy.UpdatedAt) || st.Schedule != task.strategy.Schedule {
			task.cancel()
			delete(s.tasks, id)
		}
	}
	for id, st := range current {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		task := &strategyTask{strategy: st, cancel: cancel}
		s.tasks[id] = task
		s.wg.Add(1)
		go s.runLoop(ctx, st)
		s.logger.Infow("Strategy scheduled", "strategy_id", id, "period", st.Schedule.Period)
	}
}

func (s *Scheduler) runLoop(ctx context.Context, strategy core.Strategy) {
	defer s.wg.Done()
	ticker := time.NewTicker(strategy.Schedule.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, strategy)
		}
	}
}

// tick runs at most one evaluation per strategy. If the previous cycle is
// still in flight the tick is skipped, not queued.
func (s *Scheduler) tick(ctx context.Context, strategy core.Strategy) {
	s.mu.Lock()
	if s.inFlight[strategy.ID] {
		s.mu.Unlock()
		metrics.StrategyEvaluations.WithLabelValues("skipped").Inc()
		s.logger.Debugw("Evaluation still in flight, skipping tick", "strategy_id", strategy.ID)
		return
	}
	s.inFlight[strategy.ID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, strategy.ID)
			s.mu.Unlock()
		}()

		// The task context only gates the wait for a slot: an
		// unscheduled strategy drops its queued cycle, but one that
		// already started runs to completion under lifeCtx.
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}
		s.Evaluate(s.lifeCtx, &strategy)
	}()
}

// Evaluate runs one detection cycle for the strategy: query the statistical
// window, apply the filter (or the bound model), and forward hits.
func (s *Scheduler) Evaluate(ctx context.Context, strategy *core.Strategy) {
	start := time.Now()
	now := time.Now().UTC()
	from := now.Add(-strategy.Schedule.StatisticalWindow)

	events, err := s.events.QueryWindow(ctx, from, now)
	if err != nil {
		s.recordFailure(strategy.ID, fmt.Errorf("event query failed: %w", err))
		return
	}

	var hits []*core.Hit
	switch strategy.Type {
	case core.StrategyTypeModel:
		if s.models == nil {
			s.recordFailure(strategy.ID, errors.New("model strategy scheduled without a model runner"))
			return
		}
		hits, err = s.models.Run(ctx, strategy, events)
		if err != nil {
			s.recordFailure(strategy.ID, fmt.Errorf("model evaluation failed: %w", err))
			return
		}
	default:
		for _, event := range events {
			matched, merr := s.evaluator.Match(strategy.FilterConditions, event)
			if merr != nil {
				s.recordFailure(strategy.ID, fmt.Errorf("filter evaluation failed on event %s: %w", event.EventID, merr))
				return
			}
			if matched {
				hits = append(hits, &core.Hit{
					StrategyID: strategy.ID,
					EventID:    event.EventID,
					Event:      event,
					DetectedAt: now,
				})
			}
		}
	}

	for _, hit := range hits {
		if err := s.sink.IngestHit(ctx, hit); err != nil {
			s.logger.Errorw("Failed to deliver hit", "strategy_id", strategy.ID, "event_id", hit.EventID, "error", err)
		}
	}

	result := "miss"
	if len(hits) > 0 {
		result = "hit"
	}
	metrics.StrategyEvaluations.WithLabelValues(result).Inc()
	s.clearFailure(strategy.ID)
	metrics.StrategyEvaluationDuration.Observe(time.Since(start).Seconds())
	s.logger.Debugw("Evaluation cycle complete", "strategy_id", strategy.ID,
		"events", len(events), "hits", len(hits), "took", time.Since(start))
}

// recordFailure counts the error, logs it, and surfaces it on the strategy.
// The failed set keeps the clear path from writing on every healthy cycle.
func (s *Scheduler) recordFailure(id string, evalErr error) {
	if errors.Is(evalErr, context.Canceled) {
		// Shutdown, not a strategy fault; leave last_error alone.
		return
	}
	metrics.StrategyEvaluations.WithLabelValues("error").Inc()
	s.logger.Errorw("Evaluation failed", "strategy_id", id, "error", evalErr)
	s.mu.Lock()
	s.failed[id] = true
	s.mu.Unlock()
	if err := s.provider.RecordEvaluationError(id, evalErr.Error()); err != nil {
		s.logger.Errorw("Failed to record evaluation error", "strategy_id", id, "error", err)
	}
}

func (s *Scheduler) clearFailure(id string) {
	s.mu.Lock()
	wasFailed := s.failed[id]
	delete(s.failed, id)
	s.mu.Unlock()
	if !wasFailed {
		return
	}
	if err := s.provider.RecordEvaluationError(id, ""); err != nil {
		s.logger.Errorw("Failed to clear evaluation error", "strategy_id", id, "error", err)
	}
}
