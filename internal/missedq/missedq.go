// Package missedq implements the Missed/Requested FIFO queues of
// spec.md §4.F: many producers enqueueing product-indices, one consumer
// blocking until an index is available or the queue is shut down.
//
// The underlying ring is code.hybscloud.com/lfq's MPSC, which matches
// the documented concurrency shape (many producers, single consumer)
// exactly, but is non-blocking by design — its own doc comments direct
// callers to spin-retry. This package wraps it with a channel-close
// broadcast so PeekWait can participate in a select alongside
// context cancellation instead of busy-spinning.
package missedq

import (
	"context"

	"code.hybscloud.com/lfq"
	"github.com/ldm7/ldm7"
	"sync"
)

// Queue is a shutdown-capable, blocking-peek FIFO of product-indices.
type Queue struct {
	ring *lfq.MPSC[uint32]

	mu       sync.Mutex
	closed   bool
	peeked   *uint32
	notifyCh chan struct{}
}

// New creates a Queue with the given capacity (rounded up to a power of
// two by the underlying ring).
func New(capacity int) *Queue {
	return &Queue{
		ring:     lfq.NewMPSC[uint32](capacity),
		notifyCh: make(chan struct{}),
	}
}

func (q *Queue) broadcastLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

// Push enqueues idx. Safe for concurrent callers. Returns a Shutdown
// error if the queue has already been shut down, or a System error if
// the ring is full.
func (q *Queue) Push(idx uint32) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ldm7.WrapError("Push", ldm7.Shutdown, nil)
	}
	q.mu.Unlock()

	if err := q.ring.Enqueue(&idx); err != nil {
		return ldm7.WrapError("Push", ldm7.System, err)
	}

	q.mu.Lock()
	q.broadcastLocked()
	q.mu.Unlock()
	return nil
}

// PeekWait blocks until an index is available, the queue is shut down,
// or ctx is cancelled. It does not remove the index; call Remove with
// the same value once the caller has finished acting on it.
func (q *Queue) PeekWait(ctx context.Context) (uint32, error) {
	for {
		q.mu.Lock()
		if q.peeked != nil {
			v := *q.peeked
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return 0, ldm7.WrapError("PeekWait", ldm7.Shutdown, nil)
		}
		if v, err := q.ring.Dequeue(); err == nil {
			q.peeked = &v
			q.mu.Unlock()
			return v, nil
		}
		ch := q.notifyCh
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ldm7.WrapError("PeekWait", ldm7.Timeout, ctx.Err())
		case <-ch:
		}
	}
}

// Remove clears the peeked head, which must equal idx. Returns a Logic
// error if idx is not the current peeked head (the caller violated the
// peek-then-remove protocol).
func (q *Queue) Remove(idx uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.peeked == nil || *q.peeked != idx {
		return ldm7.NewError("Remove", ldm7.Logic, "idx is not the current peeked head")
	}
	q.peeked = nil
	return nil
}

// PeekedHead returns the FIFO's current head without blocking, pulling
// the next ring entry into the peeked slot if nothing is peeked yet —
// the non-blocking counterpart of PeekWait, so a caller that only ever
// polls (never waits) still observes the head a concurrent Push left
// in the ring.
func (q *Queue) PeekedHead() (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.peeked != nil {
		return *q.peeked, true
	}
	if q.closed {
		return 0, false
	}
	if v, err := q.ring.Dequeue(); err == nil {
		q.peeked = &v
		return v, true
	}
	return 0, false
}

// Shutdown unblocks every waiter in PeekWait with a Shutdown error. Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}
