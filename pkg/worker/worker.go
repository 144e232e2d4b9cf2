package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/flowpipe/pkg/api"
)

// DefaultInterval is the tick period used when Config.Interval is unset.
const DefaultInterval = 5 * time.Second

// ErrAlreadyStarted is returned by Start on a running worker.
var ErrAlreadyStarted = errors.New("worker: already started")

// Config controls a Worker.
type Config struct {
	// Interval between the starts of consecutive ticks.
	Interval time.Duration

	// RecoverOnStart resets running jobs to pending before the first tick.
	RecoverOnStart bool

	// TickTimeout bounds a single tick. Zero means no bound.
	TickTimeout time.Duration

	Logger *slog.Logger
}

// Worker runs Engine.Tick on a fixed interval.
type Worker struct {
	engine api.Engine
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Worker for engine.
func New(engine api.Engine, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: engine, cfg: cfg, logger: logger}
}

// Start runs the tick loop in a background goroutine until Stop is called
// or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go func(done chan struct{}) {
		defer close(done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("worker_stopped", slog.Any("error", err))
		}
	}(w.done)
	return nil
}

// Stop cancels the loop started by Start and waits for the in-flight tick
// to return. Stop on a stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop started by Start is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Run blocks, ticking immediately and then every Interval, until ctx is
// cancelled. It returns ctx.Err(), or the recovery error when
// RecoverOnStart fails.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.RecoverOnStart {
		n, err := w.engine.RecoverStuckJobs(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			w.logger.Warn("stuck_jobs_recovered", slog.Int("count", n))
		}
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single tick and logs its outcome. Errors are logged,
// not returned, so that one bad tick never stops the loop.
func (w *Worker) RunOnce(ctx context.Context) api.TickResult {
	if ctx.Err() != nil {
		return api.TickResult{}
	}
	if w.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TickTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := w.engine.Tick(ctx)
	switch {
	case errors.Is(err, api.ErrTickInProgress):
		w.logger.Debug("tick_skipped", slog.String("reason", "in progress"))
	case errors.Is(err, context.Canceled):
	case err != nil:
		w.logger.Error("tick_failed", slog.Any("error", err))
	case res.Claimed > 0:
		w.logger.Info("tick_done",
			slog.Int("claimed", res.Claimed),
			slog.Int("completed", res.Completed),
			slog.Int("failed", res.Failed),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return res
}
