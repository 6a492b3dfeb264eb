package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/conduit/pkg/audit"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/logger"
	"github.com/meridianhq/conduit/pkg/storage"
)

// Pool runs the delivery workers. Each worker pops one envelope at a time,
// routes it to storage, and classifies the outcome: delivered, requeued
// after backoff, or terminal with an audit entry. Retry waits never occupy
// a worker; the requeue is scheduled on a timer goroutine so the worker
// moves on to the next envelope immediately.
type Pool struct {
	dispatcher  *Dispatcher
	router      *storage.Router
	auditor     audit.Publisher
	backoff     *Backoff
	maxAttempts int
	metrics     *Metrics
	health      *HealthTracker

	active  int64
	retries sync.WaitGroup
}

// NewPool wires a worker pool to the dispatcher and storage router.
func NewPool(d *Dispatcher, r *storage.Router, auditor audit.Publisher, backoff *Backoff, maxAttempts int, m *Metrics, h *HealthTracker) *Pool {
	return &Pool{
		dispatcher:  d,
		router:      r,
		auditor:     auditor,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		metrics:     m,
		health:      h,
	}
}

// Run starts count workers and blocks until every worker has exited. The
// workers stop when ctx is cancelled; a worker mid-delivery finishes its
// current envelope first.
func (p *Pool) Run(ctx context.Context, count int) {
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	p.retries.Wait()
}

// Active returns the number of workers currently delivering an envelope.
func (p *Pool) Active() int {
	return int(atomic.LoadInt64(&p.active))
}

func (p *Pool) worker(ctx context.Context, id int) {
	ctx = context.WithValue(ctx, logger.WorkerKey, id)
	wlog := logger.WithContext(ctx).With(zap.String("component", "worker_pool"))
	for {
		env, err := p.dispatcher.Pop(ctx)
		if err != nil {
			wlog.Debug("worker stopping", zap.Error(err))
			return
		}
		p.process(ctx, env)
	}
}

// process runs one delivery attempt end to end. The source and envelope ids
// travel on the context so every log line below carries them.
func (p *Pool) process(ctx context.Context, env *envelope.Envelope) {
	ctx = context.WithValue(ctx, logger.SourceKey, env.Source)
	ctx = context.WithValue(ctx, logger.EnvelopeKey, env.ID)
	elog := logger.WithContext(ctx).With(zap.String("component", "worker_pool"))

	if err := env.MarkInFlight(); err != nil {
		elog.Error("dropping envelope with invalid status", zap.Error(err))
		return
	}

	atomic.AddInt64(&p.active, 1)
	p.metrics.ActiveWorkers.Inc()
	defer func() {
		atomic.AddInt64(&p.active, -1)
		p.metrics.ActiveWorkers.Dec()
	}()

	elog = elog.With(zap.Int("attempt", env.AttemptCount))

	start := time.Now()
	err := p.router.Route(ctx, env)
	p.metrics.DeliveryDuration.WithLabelValues(env.Source).Observe(time.Since(start).Seconds())

	if err == nil {
		p.deliver(elog, env)
		return
	}

	switch {
	case errors.IsTerminal(err):
		p.terminate(ctx, elog, env, err, string(errors.TypeOf(err)))
	case env.AttemptCount >= p.maxAttempts:
		p.terminate(ctx, elog, env, err, "attempts_exhausted")
	default:
		p.requeue(ctx, elog, env, err)
	}
}

func (p *Pool) deliver(elog *zap.Logger, env *envelope.Envelope) {
	if err := env.MarkDelivered(); err != nil {
		elog.Error("failed to mark envelope delivered", zap.Error(err))
		return
	}

	backendName := "unknown"
	if b, ok := p.router.BackendFor(env.RecordType); ok {
		backendName = b.Name()
	}
	p.metrics.EnvelopesDelivered.WithLabelValues(env.Source, backendName).Inc()
	p.health.RecordDelivery(env.Source, true)
	elog.Debug("envelope delivered", zap.String("backend", backendName))
}

// terminate marks the envelope terminal and publishes the audit entry. An
// audit publish failure is logged and swallowed; it must not resurrect the
// envelope.
func (p *Pool) terminate(ctx context.Context, elog *zap.Logger, env *envelope.Envelope, cause error, reason string) {
	if err := env.MarkTerminal(); err != nil {
		elog.Error("failed to mark envelope terminal", zap.Error(err))
		return
	}

	if errors.IsType(cause, errors.ErrorTypePolicy) {
		p.health.RecordPolicyViolation(env.Source)
	} else {
		p.health.RecordDelivery(env.Source, false)
	}
	p.metrics.EnvelopesTerminal.WithLabelValues(env.Source, reason).Inc()

	elog.Error("envelope failed terminally",
		zap.String("reason", reason),
		zap.Error(cause))

	entry := audit.Entry{
		Timestamp:      time.Now().UTC(),
		EnvelopeID:     env.ID,
		Source:         env.Source,
		RecordType:     string(env.RecordType),
		Classification: env.Classification.String(),
		AttemptCount:   env.AttemptCount,
		Reason:         reason,
		Error:          cause.Error(),
	}
	if err := p.auditor.Publish(ctx, entry); err != nil {
		elog.Error("failed to publish audit entry", zap.Error(err))
	}
}

// requeue schedules a delayed re-push after a retryable failure.
func (p *Pool) requeue(ctx context.Context, elog *zap.Logger, env *envelope.Envelope, cause error) {
	if err := env.MarkRetryable(); err != nil {
		elog.Error("failed to mark envelope retryable", zap.Error(err))
		return
	}

	p.metrics.EnvelopesRetried.WithLabelValues(env.Source).Inc()
	p.health.RecordDelivery(env.Source, false)

	delay := p.backoff.Delay(env.AttemptCount)
	elog.Warn("delivery failed, scheduling retry",
		zap.Duration("delay", delay),
		zap.Error(cause))

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()

		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			elog.Warn("retry abandoned at shutdown")
			return
		case <-t.C:
		}

		if err := env.Requeue(); err != nil {
			elog.Error("failed to requeue envelope", zap.Error(err))
			return
		}
		if err := p.dispatcher.Push(env); err != nil {
			p.metrics.QueueRejections.Inc()
			p.abandon(ctx, elog, env, err)
		}
	}()
}

// abandon finalizes a retryable envelope whose re-push was rejected by a
// full queue. The envelope ends failed_terminal with an audit entry so the
// drop counts against the source instead of vanishing.
func (p *Pool) abandon(ctx context.Context, elog *zap.Logger, env *envelope.Envelope, cause error) {
	if err := env.Abandon(); err != nil {
		elog.Error("failed to abandon envelope", zap.Error(err))
		return
	}

	p.health.RecordDelivery(env.Source, false)
	p.metrics.EnvelopesTerminal.WithLabelValues(env.Source, "queue_full").Inc()

	elog.Error("retry rejected by full queue; envelope abandoned", zap.Error(cause))

	entry := audit.Entry{
		Timestamp:      time.Now().UTC(),
		EnvelopeID:     env.ID,
		Source:         env.Source,
		RecordType:     string(env.RecordType),
		Classification: env.Classification.String(),
		AttemptCount:   env.AttemptCount,
		Reason:         "queue_full",
		Error:          cause.Error(),
	}
	if err := p.auditor.Publish(ctx, entry); err != nil {
		elog.Error("failed to publish audit entry", zap.Error(err))
	}
}
