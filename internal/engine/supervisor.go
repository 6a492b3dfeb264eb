package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/conduit/pkg/audit"
	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/connector"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/logger"
	"github.com/meridianhq/conduit/pkg/storage"
)

// Engine is the supervisor: it schedules source collection, feeds the
// dispatcher, runs the delivery pool, and drives the health loop. Run
// blocks until the context is cancelled and the drain completes.
type Engine struct {
	cfg        *config.EngineConfig
	specs      []connector.Spec
	dispatcher *Dispatcher
	pool       *Pool
	health     *HealthTracker
	metrics    *Metrics
	logger     *zap.Logger
}

// New assembles an engine from its configuration, the registered source
// specs, the storage router, and the audit publisher.
func New(cfg *config.EngineConfig, specs []connector.Spec, router *storage.Router, auditor audit.Publisher) *Engine {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}

	dispatcher := NewDispatcher(cfg.Queue.MaxSize)
	metrics := NewMetrics()
	health := NewHealthTracker(cfg.Health, names)
	backoff := NewBackoff(cfg.Retry)
	pool := NewPool(dispatcher, router, auditor, backoff, cfg.Retry.MaxAttempts, metrics, health)

	return &Engine{
		cfg:        cfg,
		specs:      specs,
		dispatcher: dispatcher,
		pool:       pool,
		health:     health,
		metrics:    metrics,
		logger:     logger.Get().With(zap.String("component", "supervisor")),
	}
}

// Metrics returns the engine's Prometheus instruments.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Snapshot returns the current health state.
func (e *Engine) Snapshot() HealthSnapshot {
	return e.health.Snapshot(e.dispatcher.Len(), e.dispatcher.Cap(), e.pool.Active())
}

// Run starts collection, delivery, and health scoring, then blocks until
// ctx is cancelled. On cancellation the collectors stop first, in-flight
// and queued work gets the drain timeout to finish, and whatever remains
// is logged as abandoned.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		zap.Int("workers", e.cfg.Workers.Count),
		zap.Int("queue_capacity", e.cfg.Queue.MaxSize),
		zap.Int("sources", len(e.specs)))

	// Workers outlive the root context so queued work can drain.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go e.health.Run(workerCtx)

	poolDone := make(chan struct{})
	go func() {
		e.pool.Run(workerCtx, e.cfg.Workers.Count)
		close(poolDone)
	}()

	var wg sync.WaitGroup
	for _, spec := range e.specs {
		wg.Add(1)
		go func(s connector.Spec) {
			defer wg.Done()
			e.collectLoop(ctx, s)
		}(spec)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.healthLoop(ctx)
	}()

	<-ctx.Done()
	e.logger.Info("shutdown requested, stopping collectors")
	wg.Wait()

	e.drain()
	cancelWorkers()
	<-poolDone

	if abandoned := e.dispatcher.Len(); abandoned > 0 {
		e.logger.Warn("abandoning queued envelopes at shutdown",
			zap.Int("count", abandoned))
	}

	e.logger.Info("engine stopped")
	return nil
}

// collectLoop polls one source on its configured cadence. The first
// collection runs immediately so a freshly started engine is not idle for
// a full poll interval.
func (e *Engine) collectLoop(ctx context.Context, spec connector.Spec) {
	slog := e.logger.With(zap.String("source", spec.Name))
	slog.Info("source scheduled",
		zap.Duration("poll_interval", spec.PollInterval),
		zap.Duration("timeout", spec.Timeout))

	e.collectOnce(ctx, slog, spec)

	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.collectOnce(ctx, slog, spec)
		}
	}
}

// collectResult carries one Collect call's outcome off the watchdog
// goroutine.
type collectResult struct {
	envs []*envelope.Envelope
	err  error
}

// collectOnce runs a single bounded Collect call and pushes the results.
// The call runs on its own goroutine under a watchdog: a connector that
// ignores cancellation and blocks past its timeout is counted failed and
// the call abandoned, so a stuck source never stalls its poll loop.
func (e *Engine) collectOnce(ctx context.Context, slog *zap.Logger, spec connector.Spec) {
	callCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	// Buffered so an overdue call can still deliver its result and exit.
	results := make(chan collectResult, 1)

	start := time.Now()
	go func() {
		envs, err := spec.Collector.Collect(callCtx)
		results <- collectResult{envs: envs, err: err}
	}()

	var res collectResult
	select {
	case res = <-results:
	case <-callCtx.Done():
		e.metrics.CollectDuration.WithLabelValues(spec.Name).Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			// Engine shutdown, not a source fault.
			return
		}
		e.metrics.CollectFailures.WithLabelValues(spec.Name).Inc()
		e.health.RecordCollect(spec.Name, false)
		slog.Warn("collection overdue, abandoning call",
			zap.Duration("timeout", spec.Timeout))
		return
	}
	e.metrics.CollectDuration.WithLabelValues(spec.Name).Observe(time.Since(start).Seconds())

	if res.err != nil {
		if ctx.Err() != nil {
			return
		}
		e.metrics.CollectFailures.WithLabelValues(spec.Name).Inc()
		e.health.RecordCollect(spec.Name, false)
		slog.Warn("collection failed", zap.Error(res.err))
		return
	}
	envs := res.envs

	e.health.RecordCollect(spec.Name, true)
	e.metrics.EnvelopesCollected.WithLabelValues(spec.Name).Add(float64(len(envs)))

	if c, ok := spec.Collector.(interface{ LastStrategy() connector.Strategy }); ok {
		if s := c.LastStrategy(); s != "" {
			e.metrics.CollectsByStrategy.WithLabelValues(spec.Name, string(s)).Inc()
			e.health.RecordStrategy(spec.Name, string(s))
		}
	}

	for i, env := range envs {
		// Sources without an explicit priority inherit the configured hint.
		if env.Priority == envelope.PriorityRoutine && spec.PriorityHint < envelope.PriorityRoutine {
			env.Priority = spec.PriorityHint
		}

		if err := e.dispatcher.Push(env); err != nil {
			e.metrics.QueueRejections.Inc()
			slog.Warn("queue full, dropping remainder of batch",
				zap.Int("dropped", len(envs)-i))
			return
		}
	}

	if len(envs) > 0 {
		slog.Debug("collection complete", zap.Int("envelopes", len(envs)))
	}
}

// healthLoop recomputes the composite score on the configured interval and
// mirrors it into the metrics gauges.
func (e *Engine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Health.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.Snapshot()
			e.metrics.QueueDepth.Set(float64(snap.QueueDepth))
			e.metrics.HealthScore.Set(snap.Score)
			if snap.Status != HealthHealthy {
				e.logger.Warn("engine health below healthy",
					zap.String("status", snap.Status),
					zap.Float64("score", snap.Score),
					zap.Strings("degraded_sources", snap.DegradedSources))
			}
		}
	}
}

// drain waits for the queue to empty and workers to go idle, bounded by
// the configured drain timeout.
func (e *Engine) drain() {
	deadline := time.Now().Add(e.cfg.Shutdown.DrainTimeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if e.dispatcher.Len() == 0 && e.pool.Active() == 0 {
			return
		}
		if time.Now().After(deadline) {
			e.logger.Warn("drain timeout exceeded",
				zap.Int("queued", e.dispatcher.Len()),
				zap.Int("in_flight", e.pool.Active()))
			return
		}
	}
}
