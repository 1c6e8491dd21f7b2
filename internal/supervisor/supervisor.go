// Package supervisor implements spec.md §4.K: composing
// internal/executor to run a fixed set of concurrent tasks, wait for
// the first to exit (success or error), and terminate the rest.
package supervisor

import "github.com/ldm7/ldm7/internal/executor"

// Supervisor runs a batch of tasks submitted together and reports the
// first one to complete.
type Supervisor struct {
	exec    *executor.Executor
	handles []executor.Handle
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{exec: executor.New()}
}

// Task pairs a TaskFunc with the halt hook that makes it return early.
type Task struct {
	Fn   executor.TaskFunc
	Halt executor.HaltFunc
}

// StartTasks submits every task in tasks, in order, records their
// handles for TerminateTasks, and returns them in the same order so
// callers can tell which completion belongs to which task.
func (s *Supervisor) StartTasks(tasks []Task) []executor.Handle {
	handles := make([]executor.Handle, len(tasks))
	for i, t := range tasks {
		h := s.exec.Submit(t.Fn, t.Halt)
		s.handles = append(s.handles, h)
		handles[i] = h
	}
	return handles
}

// WaitOnTasks blocks until any one submitted task completes — success
// or error — and returns its Future. Matching §4.K, "first-error wins"
// is the caller's responsibility: inspect Future.Err and decide whether
// to tear down the remaining tasks.
func (s *Supervisor) WaitOnTasks() executor.Future {
	return s.exec.Wait()
}

// TerminateTasks halts every task still active and joins all of them,
// returning their Futures. Safe to call after WaitOnTasks has already
// collected one completion; only the remaining active tasks are halted.
func (s *Supervisor) TerminateTasks() []executor.Future {
	return s.exec.Shutdown()
}

// ActiveCount reports how many submitted tasks have not yet completed.
func (s *Supervisor) ActiveCount() int {
	return s.exec.ActiveCount()
}
