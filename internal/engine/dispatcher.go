// Package engine contains the runtime core of Conduit: the priority
// dispatcher, the delivery worker pool, health scoring, and the supervisor
// that schedules source collection and coordinates shutdown.
package engine

import (
	"container/heap"
	"context"
	"sync"

	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
)

// ErrQueueFull is returned by Push when the dispatcher is at capacity.
// Callers must treat it as backpressure, not as a delivery failure.
var ErrQueueFull = errors.New(errors.ErrorTypeRateLimit, "dispatch queue is full")

// item is one queued envelope with its arrival sequence number.
type item struct {
	env *envelope.Envelope
	seq uint64
	idx int
}

// priorityQueue orders items by priority tier, then by arrival order within
// a tier. Lower priority values pop first.
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].env.Priority != pq[j].env.Priority {
		return pq[i].env.Priority < pq[j].env.Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].idx = i
	pq[j].idx = j
}

func (pq *priorityQueue) Push(x interface{}) {
	it := x.(*item)
	it.idx = len(*pq)
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.idx = -1
	*pq = old[:n-1]
	return it
}

// Dispatcher is the bounded priority queue between collection and delivery.
// Envelopes pop in priority order, FIFO within a tier. Pushing a pending
// envelope whose id is already queued replaces the queued copy: the newest
// payload wins and the envelope moves to the newer arrival position.
type Dispatcher struct {
	mu      sync.Mutex
	pq      priorityQueue
	byID    map[string]*item
	maxSize int
	nextSeq uint64

	// notify is closed and replaced on every push so blocked Pop calls wake.
	notify chan struct{}
}

// NewDispatcher creates a dispatcher with the given capacity.
func NewDispatcher(maxSize int) *Dispatcher {
	d := &Dispatcher{
		byID:    make(map[string]*item),
		maxSize: maxSize,
		notify:  make(chan struct{}),
	}
	heap.Init(&d.pq)
	return d
}

// Push enqueues an envelope. Returns ErrQueueFull at capacity. A duplicate
// id replaces the queued envelope rather than occupying a second slot.
func (d *Dispatcher) Push(env *envelope.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byID[env.ID]; ok {
		heap.Remove(&d.pq, existing.idx)
		delete(d.byID, env.ID)
	} else if len(d.pq) >= d.maxSize {
		return ErrQueueFull
	}

	it := &item{env: env, seq: d.nextSeq}
	d.nextSeq++
	heap.Push(&d.pq, it)
	d.byID[env.ID] = it

	close(d.notify)
	d.notify = make(chan struct{})
	return nil
}

// Pop blocks until an envelope is available or the context is cancelled.
// The returned envelope is removed from the queue and still pending; the
// worker marks it in-flight.
func (d *Dispatcher) Pop(ctx context.Context) (*envelope.Envelope, error) {
	for {
		d.mu.Lock()
		if len(d.pq) > 0 {
			it := heap.Pop(&d.pq).(*item)
			delete(d.byID, it.env.ID)
			d.mu.Unlock()
			return it.env, nil
		}
		wait := d.notify
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "dispatcher pop cancelled")
		case <-wait:
		}
	}
}

// TryPop removes and returns the highest-priority envelope without blocking.
func (d *Dispatcher) TryPop() (*envelope.Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pq) == 0 {
		return nil, false
	}
	it := heap.Pop(&d.pq).(*item)
	delete(d.byID, it.env.ID)
	return it.env, true
}

// Len returns the current queue depth.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pq)
}

// Cap returns the configured capacity.
func (d *Dispatcher) Cap() int { return d.maxSize }
