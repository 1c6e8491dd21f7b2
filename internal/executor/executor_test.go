package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitWait(t *testing.T) {
	e := New()
	done := make(chan struct{})
	h := e.Submit(func(ctx context.Context) error {
		close(done)
		return nil
	}, nil)

	<-done
	f := e.Wait()
	require.Equal(t, h, f.Handle)
	require.NoError(t, f.Err)
	require.Equal(t, 0, e.ActiveCount())
}

func TestWaitCompletionOrder(t *testing.T) {
	e := New()
	var mu sync.Mutex
	order := []int{}
	release := make(chan struct{})

	h1 := e.Submit(func(ctx context.Context) error {
		<-release
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil
	}, nil)
	h2 := e.Submit(func(ctx context.Context) error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return errors.New("task2 failed")
	}, nil)

	f1 := e.Wait()
	require.Equal(t, h2, f1.Handle)
	require.Error(t, f1.Err)

	close(release)
	f2 := e.Wait()
	require.Equal(t, h1, f2.Handle)
	require.NoError(t, f2.Err)
}

func TestCancelInvokesHaltOnce(t *testing.T) {
	e := New()
	var haltCount int
	var mu sync.Mutex
	started := make(chan struct{})
	h := e.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, func() {
		mu.Lock()
		haltCount++
		mu.Unlock()
	})

	<-started
	e.Cancel(h)
	e.Cancel(h)

	f := e.Wait()
	require.Equal(t, h, f.Handle)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, haltCount)
}

func TestShutdownDrainsAllTasks(t *testing.T) {
	e := New()
	const n = 5
	for i := 0; i < n; i++ {
		e.Submit(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}, func() {})
	}

	require.Equal(t, n, e.ActiveCount())
	futures := e.Shutdown()
	require.Len(t, futures, n)
	require.Equal(t, 0, e.ActiveCount())
}

func TestTryWaitNonBlocking(t *testing.T) {
	e := New()
	_, ok := e.TryWait()
	require.False(t, ok)

	e.Submit(func(ctx context.Context) error { return nil }, nil)
	require.Eventually(t, func() bool {
		_, ok := e.TryWait()
		return ok
	}, time.Second, time.Millisecond)
}
