package mcast

import (
	"context"
	"math/rand"
	"sync"

	"github.com/ldm7/ldm7"
)

type stubFrame struct {
	idx  uint32
	feed ldm7.FeedType
	data []byte
}

// StubTransport is a deterministic, in-process loopback multicast
// group: Send enqueues frames a Start'd receive loop dequeues, with a
// seeded fraction of frames silently dropped to simulate true
// multicast loss. Grounded on the teacher's
// internal/queue/runner.go NewStubRunner/stubLoop split — a single
// consumer goroutine reading from a buffered channel standing in for
// the real transport's I/O loop.
//
// A seeded *rand.Rand makes the loss schedule reproducible across test
// runs, matching spec.md §8's "RNG-seeded schedule" requirement for the
// loss-and-backstop end-to-end scenario.
type StubTransport struct {
	mu           sync.Mutex
	frames       chan stubFrame
	rng          *rand.Rand
	lossFraction float64
	closed       bool
	closeOnce    sync.Once
	stopCh       chan struct{}
}

// NewStubTransport creates a stub transport that drops each Send with
// probability lossFraction, using seed to make the drop schedule
// reproducible.
func NewStubTransport(lossFraction float64, seed int64) *StubTransport {
	return &StubTransport{
		frames:       make(chan stubFrame, 256),
		rng:          rand.New(rand.NewSource(seed)),
		lossFraction: lossFraction,
		stopCh:       make(chan struct{}),
	}
}

// Send enqueues a frame for delivery, or silently drops it per the
// configured loss fraction — from the sender's point of view handoff
// always "succeeds", exactly as multicast send provides no delivery
// acknowledgement.
func (s *StubTransport) Send(ctx context.Context, idx uint32, feed ldm7.FeedType, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ldm7.NewError("mcast.StubTransport.Send", ldm7.Shutdown, "transport closed")
	}
	drop := s.rng.Float64() < s.lossFraction
	s.mu.Unlock()

	if drop {
		return nil
	}

	buf := append([]byte(nil), data...)
	select {
	case s.frames <- stubFrame{idx: idx, feed: feed, data: buf}:
		return nil
	case <-ctx.Done():
		return ldm7.WrapError("mcast.StubTransport.Send", ldm7.Timeout, ctx.Err())
	}
}

// Start runs the receive loop on a new goroutine until ctx is
// cancelled or Stop is called.
func (s *StubTransport) Start(ctx context.Context, onDeliver DeliveryFunc, onMissed MissedFunc) error {
	go s.stubLoop(ctx, onDeliver, onMissed)
	return nil
}

func (s *StubTransport) stubLoop(ctx context.Context, onDeliver DeliveryFunc, onMissed MissedFunc) {
	var lastIdx uint32
	haveLast := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case f, ok := <-s.frames:
			if !ok {
				return
			}
			if haveLast && f.idx > lastIdx+1 {
				for missed := lastIdx + 1; missed < f.idx; missed++ {
					onMissed(missed)
				}
			}
			lastIdx = f.idx
			haveLast = true
			onDeliver(Delivery{ProductIndex: f.idx, FeedType: f.feed, Data: f.data, IsStart: true, IsEnd: true})
		}
	}
}

// Stop halts the receive loop. Safe to call more than once.
func (s *StubTransport) Stop() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCh)
	})
	return nil
}

// Close is an alias for Stop, satisfying the Sender half of Transport.
func (s *StubTransport) Close() error {
	return s.Stop()
}

var _ Transport = (*StubTransport)(nil)
