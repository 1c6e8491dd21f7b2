package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ldm7/ldm7/internal/executor"
	"github.com/stretchr/testify/require"
)

func TestWaitOnTasksReportsFirstCompletion(t *testing.T) {
	s := New()
	errBoom := errors.New("boom")

	s.StartTasks([]Task{
		{Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}},
		{Fn: func(ctx context.Context) error {
			return errBoom
		}},
	})

	f := s.WaitOnTasks()
	require.ErrorIs(t, f.Err, errBoom)
}

func TestTerminateTasksHaltsRemaining(t *testing.T) {
	s := New()
	halted := make(chan struct{}, 2)

	s.StartTasks([]Task{
		{
			Fn: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			Halt: func() { halted <- struct{}{} },
		},
		{
			Fn: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			Halt: func() { halted <- struct{}{} },
		},
	})

	futures := s.TerminateTasks()
	require.Len(t, futures, 2)

	require.Eventually(t, func() bool {
		return len(halted) == 2
	}, time.Second, time.Millisecond)

	require.Equal(t, 0, s.ActiveCount())
}
