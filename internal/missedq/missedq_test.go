package missedq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/stretchr/testify/require"
)

func TestPushPeekRemove(t *testing.T) {
	q := New(16)
	require.NoError(t, q.Push(7))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := q.PeekWait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)

	// Re-peeking without removing returns the same head.
	v2, err := q.PeekWait(ctx)
	require.NoError(t, err)
	require.Equal(t, v, v2)

	require.NoError(t, q.Remove(7))
	require.Error(t, q.Remove(7))
}

func TestFIFOOrdering(t *testing.T) {
	q := New(16)
	for _, idx := range []uint32{1, 2, 3} {
		require.NoError(t, q.Push(idx))
	}

	ctx := context.Background()
	for _, want := range []uint32{1, 2, 3} {
		got, err := q.PeekWait(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.NoError(t, q.Remove(got))
	}
}

func TestPeekWaitBlocksUntilPush(t *testing.T) {
	q := New(16)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var got uint32
	var waitErr error
	go func() {
		defer wg.Done()
		got, waitErr = q.PeekWait(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(11))
	wg.Wait()

	require.NoError(t, waitErr)
	require.Equal(t, uint32(11), got)
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	q := New(16)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		_, waitErr = q.PeekWait(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()
	wg.Wait()

	require.ErrorIs(t, waitErr, ldm7.ErrShutdown)
}

func TestPushAfterShutdown(t *testing.T) {
	q := New(16)
	q.Shutdown()
	err := q.Push(1)
	require.ErrorIs(t, err, ldm7.ErrShutdown)
}

func TestPeekWaitContextCancelled(t *testing.T) {
	q := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.PeekWait(ctx)
	require.ErrorIs(t, err, ldm7.ErrTimeout)
}
