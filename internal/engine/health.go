package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianhq/conduit/pkg/config"
)

// Engine health states derived from the composite score.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Score weights: delivery success dominates, queue headroom matters, source
// availability rounds it out.
const (
	weightSuccess      = 0.6
	weightQueue        = 0.3
	weightAvailability = 0.1
)

type eventKind int

const (
	evDelivery eventKind = iota
	evPolicy
	evCollect
	evStrategy
)

// healthEvent is one outcome published by a worker or the supervisor.
type healthEvent struct {
	kind     eventKind
	source   string
	ok       bool
	strategy string
	at       time.Time
}

// outcome is one delivery attempt result inside the rolling window.
type outcome struct {
	at time.Time
	ok bool
}

// HealthSnapshot is the externally visible health state of the engine.
type HealthSnapshot struct {
	Status           string            `json:"status"`
	Score            float64           `json:"score"`
	SuccessRate      float64           `json:"success_rate"`
	QueueDepth       int               `json:"queue_depth"`
	QueueCapacity    int               `json:"queue_capacity"`
	ActiveWorkers    int               `json:"active_workers"`
	DegradedSources  []string          `json:"degraded_sources"`
	FailuresBySource map[string]uint64 `json:"failures_by_source"`
	StrategyBySource map[string]string `json:"strategy_by_source,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// HealthTracker aggregates delivery outcomes and per-source failure streaks
// into a composite score. Workers publish outcomes to a buffered events
// channel consumed by a single aggregation routine, keeping the hot delivery
// path free of lock contention. Delivery results feed a rolling window;
// collection failures and policy violations are per-source strikes that mark
// a source degraded once they run past the configured threshold.
type HealthTracker struct {
	events  chan healthEvent
	dropped uint64

	mu sync.Mutex

	window    time.Duration
	threshold int

	outcomes   []outcome
	streaks    map[string]int
	failures   map[string]uint64
	sources    map[string]bool
	strategies map[string]string
}

// NewHealthTracker creates a tracker for the given sources. Run must be
// started for published events to be aggregated.
func NewHealthTracker(cfg config.HealthConfig, sources []string) *HealthTracker {
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s] = true
	}
	return &HealthTracker{
		events:     make(chan healthEvent, 4096),
		window:     cfg.Window,
		threshold:  cfg.DegradedThreshold,
		streaks:    make(map[string]int),
		failures:   make(map[string]uint64),
		sources:    known,
		strategies: make(map[string]string),
	}
}

// Run is the single aggregation routine. It consumes published events until
// ctx is cancelled.
func (h *HealthTracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.apply(ev)
		}
	}
}

// publish enqueues an event without blocking. A full buffer drops the event
// rather than stall a worker; health is an aggregate, one lost sample does
// not change the signal.
func (h *HealthTracker) publish(ev healthEvent) {
	select {
	case h.events <- ev:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

// RecordDelivery publishes the outcome of one delivery attempt.
func (h *HealthTracker) RecordDelivery(source string, ok bool) {
	h.publish(healthEvent{kind: evDelivery, source: source, ok: ok, at: time.Now()})
}

// RecordPolicyViolation publishes a terminal policy failure. Policy failures
// reflect misconfiguration, not delivery reliability, so they count as a
// source strike instead of dragging the rolling success rate down.
func (h *HealthTracker) RecordPolicyViolation(source string) {
	h.publish(healthEvent{kind: evPolicy, source: source, at: time.Now()})
}

// RecordCollect publishes the outcome of one Collect call.
func (h *HealthTracker) RecordCollect(source string, ok bool) {
	h.publish(healthEvent{kind: evCollect, source: source, ok: ok, at: time.Now()})
}

// RecordStrategy publishes the strategy that served the source's latest
// successful collection. A source still on its primary path reads the same
// as ever; a source that has fallen back is visible in the snapshot.
func (h *HealthTracker) RecordStrategy(source, strategy string) {
	h.publish(healthEvent{kind: evStrategy, source: source, strategy: strategy, at: time.Now()})
}

// apply folds one event into the aggregate state.
func (h *HealthTracker) apply(ev healthEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sources[ev.source] = true

	switch ev.kind {
	case evDelivery:
		h.outcomes = append(h.outcomes, outcome{at: ev.at, ok: ev.ok})
		if ev.ok {
			h.streaks[ev.source] = 0
		} else {
			h.failures[ev.source]++
		}
	case evPolicy:
		h.failures[ev.source]++
		h.streaks[ev.source]++
	case evCollect:
		if ev.ok {
			h.streaks[ev.source] = 0
		} else {
			h.failures[ev.source]++
			h.streaks[ev.source]++
		}
	case evStrategy:
		h.strategies[ev.source] = ev.strategy
	}
}

// Degraded reports whether the source's failure streak has passed the
// threshold.
func (h *HealthTracker) Degraded(source string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaks[source] >= h.threshold
}

// Dropped returns the count of events discarded on a full buffer.
func (h *HealthTracker) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// Snapshot computes the composite health state.
//
//	score = 100 * (0.6*success_rate + 0.3*(1 - queue_util) + 0.1*availability)
//
// With no delivery attempts in the window the success rate reads 1.0: an
// idle engine is a healthy engine.
func (h *HealthTracker) Snapshot(queueDepth, queueCap, activeWorkers int) HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.prune(time.Now().Add(-h.window))

	successRate := 1.0
	if len(h.outcomes) > 0 {
		succeeded := 0
		for _, o := range h.outcomes {
			if o.ok {
				succeeded++
			}
		}
		successRate = float64(succeeded) / float64(len(h.outcomes))
	}

	queueUtil := 0.0
	if queueCap > 0 {
		queueUtil = float64(queueDepth) / float64(queueCap)
		if queueUtil > 1 {
			queueUtil = 1
		}
	}

	var degraded []string
	for source := range h.sources {
		if h.streaks[source] >= h.threshold {
			degraded = append(degraded, source)
		}
	}
	sort.Strings(degraded)

	availability := 1.0
	if len(h.sources) > 0 {
		availability = float64(len(h.sources)-len(degraded)) / float64(len(h.sources))
	}

	score := 100 * (weightSuccess*successRate + weightQueue*(1-queueUtil) + weightAvailability*availability)

	status := HealthCritical
	switch {
	case score >= 90:
		status = HealthHealthy
	case score >= 60:
		status = HealthDegraded
	}

	failures := make(map[string]uint64, len(h.failures))
	for s, n := range h.failures {
		failures[s] = n
	}

	var strategies map[string]string
	if len(h.strategies) > 0 {
		strategies = make(map[string]string, len(h.strategies))
		for s, name := range h.strategies {
			strategies[s] = name
		}
	}

	return HealthSnapshot{
		Status:           status,
		Score:            score,
		SuccessRate:      successRate,
		QueueDepth:       queueDepth,
		QueueCapacity:    queueCap,
		ActiveWorkers:    activeWorkers,
		DegradedSources:  degraded,
		FailuresBySource: failures,
		StrategyBySource: strategies,
		Timestamp:        time.Now().UTC(),
	}
}

// prune drops outcomes older than the cutoff. Callers hold the lock.
func (h *HealthTracker) prune(cutoff time.Time) {
	keep := h.outcomes[:0]
	for _, o := range h.outcomes {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	h.outcomes = keep
}
