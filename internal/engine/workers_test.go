package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianhq/conduit/pkg/audit"
	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/storage"
	"github.com/meridianhq/conduit/pkg/storage/memory"
)

// captureAuditor records published entries for assertions.
type captureAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureAuditor) Publish(ctx context.Context, entry audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureAuditor) Close() error { return nil }

func (c *captureAuditor) Entries() []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

type poolFixture struct {
	pool       *Pool
	dispatcher *Dispatcher
	relational *memory.Backend
	document   *memory.Backend
	auditor    *captureAuditor
	health     *HealthTracker

	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the workers and waits for the pool to exit so envelope
// fields can be read without racing the workers.
func (f *poolFixture) stop() {
	f.cancel()
	<-f.done
}

func newPoolFixture(t *testing.T, maxAttempts int) *poolFixture {
	t.Helper()

	relational := memory.New(storage.BackendRelational, true)
	timeseries := memory.New(storage.BackendTimeSeries, false)
	document := memory.New(storage.BackendDocument, false)

	router, err := storage.NewRouter(map[string]storage.Backend{
		storage.BackendRelational: relational,
		storage.BackendTimeSeries: timeseries,
		storage.BackendDocument:   document,
	}, nil)
	require.NoError(t, err)

	dispatcher := NewDispatcher(100)
	auditor := &captureAuditor{}
	health := newTracker(3, "NCA")
	startTracker(t, health)
	backoff := NewBackoff(config.RetryConfig{
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	})
	pool := NewPool(dispatcher, router, auditor, backoff, maxAttempts, NewMetrics(), health)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx, 2)
		close(done)
	}()

	f := &poolFixture{
		pool:       pool,
		dispatcher: dispatcher,
		relational: relational,
		document:   document,
		auditor:    auditor,
		health:     health,
		cancel:     cancel,
		done:       done,
	}
	t.Cleanup(f.stop)
	return f
}

func TestPoolDeliversEnvelope(t *testing.T) {
	f := newPoolFixture(t, 5)

	env := makeEnvelope(t, "NCA", "op-1", envelope.PriorityRoutine)
	require.NoError(t, f.dispatcher.Push(env))

	require.Eventually(t, func() bool {
		return f.relational.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.stop()
	assert.Equal(t, envelope.StatusDelivered, env.Status)
	assert.Equal(t, 1, env.AttemptCount)
	assert.Empty(t, f.auditor.Entries())
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	f := newPoolFixture(t, 5)

	f.relational.FailNext(errors.New(errors.ErrorTypeConnection, "backend flake"))

	env := makeEnvelope(t, "NCA", "op-retry", envelope.PriorityRoutine)
	require.NoError(t, f.dispatcher.Push(env))

	require.Eventually(t, func() bool {
		rec, ok := f.relational.Get(env.ID)
		return ok && rec.Writes == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.stop()
	assert.Equal(t, envelope.StatusDelivered, env.Status)
	assert.Equal(t, 2, env.AttemptCount, "one failed attempt plus the successful retry")
	assert.Empty(t, f.auditor.Entries(), "retryable failures never reach the audit trail")
}

func TestPoolTerminalAfterAttemptsExhausted(t *testing.T) {
	const maxAttempts = 3
	f := newPoolFixture(t, maxAttempts)

	f.relational.FailNext(
		errors.New(errors.ErrorTypeConnection, "down"),
		errors.New(errors.ErrorTypeConnection, "down"),
		errors.New(errors.ErrorTypeConnection, "down"),
	)

	env := makeEnvelope(t, "NCA", "op-doomed", envelope.PriorityRoutine)
	require.NoError(t, f.dispatcher.Push(env))

	require.Eventually(t, func() bool {
		return len(f.auditor.Entries()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.stop()
	assert.Equal(t, envelope.StatusFailedTerminal, env.Status)
	assert.Equal(t, maxAttempts, env.AttemptCount)
	assert.Equal(t, 0, f.relational.Len())

	entry := f.auditor.Entries()[0]
	assert.Equal(t, "attempts_exhausted", entry.Reason)
	assert.Equal(t, env.ID, entry.EnvelopeID)
	assert.Equal(t, "NCA", entry.Source)
	assert.Equal(t, maxAttempts, entry.AttemptCount)
}

func TestPoolPolicyViolationIsImmediatelyTerminal(t *testing.T) {
	f := newPoolFixture(t, 5)

	// document records route to an unencrypted backend; secret must not land
	env, err := envelope.New("MoI", envelope.RecordTypeDocument, envelope.ClassificationSecret, envelope.PriorityImmediate, map[string]interface{}{
		envelope.KeyExternalKey: "doc-secret",
		envelope.KeyCapturedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Push(env))

	require.Eventually(t, func() bool {
		return len(f.auditor.Entries()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.stop()
	assert.Equal(t, envelope.StatusFailedTerminal, env.Status)
	assert.Equal(t, 1, env.AttemptCount, "policy failures must not be retried")
	assert.Equal(t, 0, f.document.Len())

	entry := f.auditor.Entries()[0]
	assert.Equal(t, "policy", entry.Reason)
	assert.Equal(t, "secret", entry.Classification)
}

func TestPoolChecksumMismatchIsTerminal(t *testing.T) {
	f := newPoolFixture(t, 5)

	env := makeEnvelope(t, "NCA", "op-corrupt", envelope.PriorityRoutine)
	env.Payload["tampered"] = true
	require.NoError(t, f.dispatcher.Push(env))

	require.Eventually(t, func() bool {
		return len(f.auditor.Entries()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.stop()
	assert.Equal(t, envelope.StatusFailedTerminal, env.Status)
	assert.Equal(t, "data", f.auditor.Entries()[0].Reason)
	assert.Equal(t, 0, f.relational.Len())
}

func TestPoolBackendOutageRecovery(t *testing.T) {
	f := newPoolFixture(t, 5)

	// SAMA's backend is down for three consecutive attempts, then recovers.
	f.relational.FailNext(
		errors.New(errors.ErrorTypeConnection, "backend down"),
		errors.New(errors.ErrorTypeConnection, "backend down"),
		errors.New(errors.ErrorTypeConnection, "backend down"),
	)

	env := makeEnvelope(t, "SAMA", "op-outage", envelope.PriorityRoutine)
	require.NoError(t, f.dispatcher.Push(env))

	require.Eventually(t, func() bool {
		rec, ok := f.relational.Get(env.ID)
		return ok && rec.Writes == 1
	}, 3*time.Second, 5*time.Millisecond)

	// The score dips below healthy while the outage failures sit in the
	// rolling window.
	require.Eventually(t, func() bool {
		return f.health.Snapshot(0, 100, 0).Score < 90
	}, 2*time.Second, 5*time.Millisecond)

	f.stop()
	assert.Equal(t, envelope.StatusDelivered, env.Status)
	assert.Equal(t, 4, env.AttemptCount, "three failed attempts plus the successful fourth")
	assert.Empty(t, f.auditor.Entries())
}

func TestPoolFullQueueOnRetryIsTerminal(t *testing.T) {
	relational := memory.New(storage.BackendRelational, true)
	timeseries := memory.New(storage.BackendTimeSeries, false)
	document := memory.New(storage.BackendDocument, false)

	router, err := storage.NewRouter(map[string]storage.Backend{
		storage.BackendRelational: relational,
		storage.BackendTimeSeries: timeseries,
		storage.BackendDocument:   document,
	}, nil)
	require.NoError(t, err)

	// Capacity one, already occupied: the retry re-push has nowhere to go.
	dispatcher := NewDispatcher(1)
	require.NoError(t, dispatcher.Push(makeEnvelope(t, "NCA", "op-occupant", envelope.PriorityRoutine)))

	auditor := &captureAuditor{}
	health := newTracker(3, "NCA")
	startTracker(t, health)
	backoff := NewBackoff(config.RetryConfig{
		BaseDelay:    time.Millisecond,
		MaxDelay:     time.Millisecond,
		JitterFactor: 0,
	})
	pool := NewPool(dispatcher, router, auditor, backoff, 5, NewMetrics(), health)

	env := makeEnvelope(t, "NCA", "op-evicted", envelope.PriorityRoutine)
	require.NoError(t, env.MarkInFlight())

	pool.requeue(context.Background(), zap.NewNop(), env, errors.New(errors.ErrorTypeConnection, "backend flake"))
	pool.retries.Wait()

	assert.Equal(t, envelope.StatusFailedTerminal, env.Status)
	assert.Equal(t, 1, dispatcher.Len(), "the occupant keeps its slot")

	require.Len(t, auditor.Entries(), 1)
	entry := auditor.Entries()[0]
	assert.Equal(t, "queue_full", entry.Reason)
	assert.Equal(t, env.ID, entry.EnvelopeID)
	assert.Equal(t, 1, entry.AttemptCount)

	waitSnapshot(t, health, func(s HealthSnapshot) bool {
		return s.FailuresBySource["NCA"] >= 1
	})
}

func TestPoolRedeliveryIsIdempotent(t *testing.T) {
	f := newPoolFixture(t, 5)

	env := makeEnvelope(t, "NCA", "op-dup", envelope.PriorityRoutine)
	require.NoError(t, f.dispatcher.Push(env))
	require.Eventually(t, func() bool {
		return f.relational.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A second collection of the same fact arrives as a fresh envelope with
	// the same derived id.
	again := makeEnvelope(t, "NCA", "op-dup", envelope.PriorityRoutine)
	require.Equal(t, env.ID, again.ID)
	require.NoError(t, f.dispatcher.Push(again))

	require.Eventually(t, func() bool {
		rec, ok := f.relational.Get(env.ID)
		return ok && rec.Writes == 2
	}, 2*time.Second, 5*time.Millisecond)

	f.stop()
	assert.Equal(t, 1, f.relational.Len(), "redelivery must overwrite, never duplicate")
}
