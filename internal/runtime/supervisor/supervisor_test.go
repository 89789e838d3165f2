package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRestart_RestartsAfterErrorAndPanic(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("worker", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		default:
			close(done)
			<-ctx.Done()
			return ctx.Err()
		}
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not restarted")
	}

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "worker", snap[0].Name)
	assert.True(t, snap[0].Running)
	assert.Equal(t, 2, snap[0].Restarts)
	assert.Equal(t, 1, snap[0].Panics)
	assert.Equal(t, "panic: kaboom", snap[0].LastError)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Snapshot()[0].Running)
}

func TestGoRestart_GivesUp(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("flaky", func(context.Context) error {
		return errors.New("down")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.EqualError(t, err, "flaky: down")
	assert.Error(t, s.Context().Err(), "cancel on error")
	assert.Equal(t, 2, s.Snapshot()[0].Restarts)
}

func TestGo_CleanExitAndCancellation(t *testing.T) {
	s := New(context.Background())
	s.Go("once", func(context.Context) error { return nil })
	s.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Err())
}

func TestWait_TimesOut(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	defer close(release)
	s.Go("stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}
