package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mgmtsystem/internal/engine"
	"mgmtsystem/internal/scheduler"
)

type fakeSweeper struct {
	sweeps    atomic.Int32
	flushes   atomic.Int32
	lookahead atomic.Int32
	err       error
}

func (f *fakeSweeper) ProcessReminderQueue(_ context.Context, days int) (engine.ReminderResult, error) {
	f.sweeps.Add(1)
	f.lookahead.Store(int32(days))
	return engine.ReminderResult{}, f.err
}

func (f *fakeSweeper) FlushMail(context.Context) (int, int, error) {
	f.flushes.Add(1)
	return 0, 0, nil
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	fake := &fakeSweeper{}
	s := scheduler.New(fake, 10*time.Millisecond, 10, nil)
	s.FlushInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fake.sweeps.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.EqualValues(t, 10, fake.lookahead.Load())
	assert.GreaterOrEqual(t, fake.flushes.Load(), fake.sweeps.Load())
}

func TestSweepErrorsDoNotStopTheLoop(t *testing.T) {
	fake := &fakeSweeper{err: errors.New("database is locked")}
	s := scheduler.New(fake, 5*time.Millisecond, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, func() bool { return fake.sweeps.Load() >= 2 }, time.Second, 5*time.Millisecond)
}
