package mcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/stretchr/testify/require"
)

func TestStubTransportDeliversInOrder(t *testing.T) {
	tr := NewStubTransport(0, 1)
	defer tr.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delivered []uint32
	require.NoError(t, tr.Start(ctx, func(d Delivery) {
		mu.Lock()
		delivered = append(delivered, d.ProductIndex)
		mu.Unlock()
	}, func(uint32) {}))

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, tr.Send(context.Background(), i, ldm7.FeedEXP, []byte{byte(i)}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 5
	}, time.Second, time.Millisecond)
}

func TestStubTransportReportsGapsAsMissed(t *testing.T) {
	tr := NewStubTransport(0, 1)
	defer tr.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var missed []uint32
	require.NoError(t, tr.Start(ctx, func(Delivery) {}, func(idx uint32) {
		mu.Lock()
		missed = append(missed, idx)
		mu.Unlock()
	}))

	require.NoError(t, tr.Send(context.Background(), 0, ldm7.FeedEXP, []byte("a")))
	require.NoError(t, tr.Send(context.Background(), 3, ldm7.FeedEXP, []byte("b")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(missed) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{1, 2}, missed)
}

func TestStubTransportDeterministicLossSchedule(t *testing.T) {
	run := func(seed int64) []bool {
		tr := NewStubTransport(0.5, seed)
		defer tr.Stop()
		var dropped []bool
		for i := uint32(0); i < 20; i++ {
			err := tr.Send(context.Background(), i, ldm7.FeedEXP, []byte{1})
			select {
			case f := <-tr.frames:
				_ = f
				dropped = append(dropped, false)
			default:
				dropped = append(dropped, err == nil)
			}
		}
		return dropped
	}

	require.Equal(t, run(42), run(42), "same seed must reproduce the same loss schedule")
}

func TestStubTransportSendAfterStopFails(t *testing.T) {
	tr := NewStubTransport(0, 1)
	require.NoError(t, tr.Stop())

	err := tr.Send(context.Background(), 0, ldm7.FeedEXP, []byte("x"))
	require.Error(t, err)
	require.True(t, ldm7.IsCode(err, ldm7.Shutdown))
}
