package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe/pkg/api"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	ticks     atomic.Int64
	inFlight  atomic.Int64
	maxFlight atomic.Int64

	tickDelay  time.Duration
	tickErr    error
	recoverErr error
	deadline   atomic.Bool
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) history() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Tick(ctx context.Context) (api.TickResult, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		m := e.maxFlight.Load()
		if n <= m || e.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if _, ok := ctx.Deadline(); ok {
		e.deadline.Store(true)
	}
	e.record("tick")
	e.ticks.Add(1)
	if e.tickDelay > 0 {
		select {
		case <-time.After(e.tickDelay):
		case <-ctx.Done():
			return api.TickResult{}, ctx.Err()
		}
	}
	return api.TickResult{Claimed: 1, Completed: 1}, e.tickErr
}

func (e *fakeEngine) TriggerCampaign(ctx context.Context, id string) ([]string, error) {
	return nil, nil
}

func (e *fakeEngine) StartCampaign(ctx context.Context, id string) ([]string, error) {
	return nil, nil
}

func (e *fakeEngine) PauseCampaign(ctx context.Context, id string) error { return nil }

func (e *fakeEngine) ResolveIntervention(ctx context.Context, jobID string) (string, error) {
	return "", nil
}

func (e *fakeEngine) RecoverStuckJobs(ctx context.Context) (int, error) {
	e.record("recover")
	return 2, e.recoverErr
}

func TestWorker_TicksRepeatedlyUntilStopped(t *testing.T) {
	eng := &fakeEngine{}
	w := New(eng, Config{Interval: 2 * time.Millisecond})

	require.NoError(t, w.Start(context.Background()))
	require.True(t, w.Running())
	require.Eventually(t, func() bool { return eng.ticks.Load() >= 3 }, time.Second, time.Millisecond)

	w.Stop()
	require.False(t, w.Running())
	after := eng.ticks.Load()
	time.Sleep(10 * time.Millisecond)
	if got := eng.ticks.Load(); got != after {
		t.Fatalf("ticks continued after Stop: %d -> %d", after, got)
	}

	// Stop is idempotent.
	w.Stop()
}

func TestWorker_StartTwiceFails(t *testing.T) {
	w := New(&fakeEngine{}, Config{Interval: time.Hour})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	require.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)
}

func TestWorker_RestartAfterStop(t *testing.T) {
	eng := &fakeEngine{}
	w := New(eng, Config{Interval: time.Hour})
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return eng.ticks.Load() == 1 }, time.Second, time.Millisecond)
	w.Stop()

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return eng.ticks.Load() == 2 }, time.Second, time.Millisecond)
	w.Stop()
}

func TestWorker_TicksNeverOverlap(t *testing.T) {
	eng := &fakeEngine{tickDelay: 5 * time.Millisecond}
	w := New(eng, Config{Interval: time.Millisecond})

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return eng.ticks.Load() >= 5 }, 2*time.Second, time.Millisecond)
	w.Stop()

	require.Equal(t, int64(1), eng.maxFlight.Load())
}

func TestWorker_RecoversBeforeFirstTick(t *testing.T) {
	eng := &fakeEngine{}
	w := New(eng, Config{Interval: time.Hour, RecoverOnStart: true})

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return eng.ticks.Load() == 1 }, time.Second, time.Millisecond)
	w.Stop()

	require.Equal(t, []string{"recover", "tick"}, eng.history())
}

func TestWorker_RunReturnsRecoveryError(t *testing.T) {
	boom := errors.New("db down")
	eng := &fakeEngine{recoverErr: boom}
	w := New(eng, Config{RecoverOnStart: true})

	err := w.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Zero(t, eng.ticks.Load())
}

func TestWorker_TickErrorsDoNotStopLoop(t *testing.T) {
	eng := &fakeEngine{tickErr: errors.New("claim failed")}
	w := New(eng, Config{Interval: time.Millisecond})

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return eng.ticks.Load() >= 3 }, time.Second, time.Millisecond)
	w.Stop()
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	eng := &fakeEngine{}
	w := New(eng, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return eng.ticks.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestWorker_RunOnceAppliesTickTimeout(t *testing.T) {
	eng := &fakeEngine{}
	w := New(eng, Config{TickTimeout: time.Second})

	res := w.RunOnce(context.Background())
	require.Equal(t, 1, res.Completed)
	require.True(t, eng.deadline.Load())
}

func TestWorker_RunOnceSkipsCancelledContext(t *testing.T) {
	eng := &fakeEngine{}
	w := New(eng, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, api.TickResult{}, w.RunOnce(ctx))
	require.Zero(t, eng.ticks.Load())
}
