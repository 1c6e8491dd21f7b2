// Package executor implements the fixed Executor/Future collaborator of
// spec.md §4.B: submit cancellable tasks, collect their completions in
// completion order (not submission order), and shut everything down
// cooperatively.
//
// Task lifecycle bookkeeping uses golang.org/x/sync/errgroup (the
// worker-group library the retrieval pack uses for exactly this purpose)
// so Shutdown can join every spawned goroutine without hand-rolling a
// WaitGroup; completion-order delivery itself is a plain buffered
// channel, since errgroup's own Wait() only reports the first error and
// has no notion of per-task completion order.
package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Handle is an opaque task identifier. The zero Handle is never issued.
type Handle = uuid.UUID

// HaltFunc is a non-blocking hook that causes the owning task to return
// in bounded time — by closing a socket, setting a flag, or signalling a
// condition. It is invoked at most once.
type HaltFunc func()

// TaskFunc is a long-running unit of work. ctx is cancelled when the
// task's HaltFunc is invoked via Cancel or Shutdown, but tasks that
// ignore ctx must still honor their own HaltFunc directly.
type TaskFunc func(ctx context.Context) error

// Future is a completed task's outcome.
type Future struct {
	Handle Handle
	Err    error
}

type activeTask struct {
	halt   HaltFunc
	once   sync.Once
	cancel context.CancelFunc
}

// Executor runs TaskFuncs on dedicated goroutines and reports their
// completions in the order they actually finish.
type Executor struct {
	mu     sync.Mutex
	active map[Handle]*activeTask
	group  *errgroup.Group

	completions chan Future
}

// New creates an empty Executor.
func New() *Executor {
	return &Executor{
		active:      make(map[Handle]*activeTask),
		group:       &errgroup.Group{},
		completions: make(chan Future, 256),
	}
}

// Submit schedules fn on a fresh goroutine and returns its handle
// immediately. halt is the hook Cancel and Shutdown use to ask fn to
// return early; it may be nil if fn observes ctx directly.
func (e *Executor) Submit(fn TaskFunc, halt HaltFunc) Handle {
	h := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	t := &activeTask{halt: halt, cancel: cancel}
	e.mu.Lock()
	e.active[h] = t
	e.mu.Unlock()

	e.group.Go(func() error {
		err := fn(ctx)
		e.completions <- Future{Handle: h, Err: err}
		return nil
	})
	return h
}

// Wait blocks until a completion is available, returns it, and removes
// its handle from the active set. Safe for a single consumer; concurrent
// producers (Submit) are always safe.
func (e *Executor) Wait() Future {
	f := <-e.completions
	e.mu.Lock()
	delete(e.active, f.Handle)
	e.mu.Unlock()
	return f
}

// TryWait returns a pending completion without blocking, and false if
// none is available yet.
func (e *Executor) TryWait() (Future, bool) {
	select {
	case f := <-e.completions:
		e.mu.Lock()
		delete(e.active, f.Handle)
		e.mu.Unlock()
		return f, true
	default:
		return Future{}, false
	}
}

// Cancel invokes h's halt hook and cancels its context. It does not
// block on the task's completion; call Wait separately to observe it.
func (e *Executor) Cancel(h Handle) {
	e.mu.Lock()
	t, ok := e.active[h]
	e.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	t.once.Do(func() {
		if t.halt != nil {
			t.halt()
		}
	})
}

// ActiveCount returns the number of tasks that have not yet been
// collected via Wait.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown invokes halt on every active task, then drains completions
// via Wait until both the active set and the completion queue are
// empty.
func (e *Executor) Shutdown() []Future {
	e.mu.Lock()
	handles := make([]Handle, 0, len(e.active))
	for h := range e.active {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		e.Cancel(h)
	}

	var out []Future
	for e.ActiveCount() > 0 {
		out = append(out, e.Wait())
	}
	_ = e.group.Wait()
	return out
}
