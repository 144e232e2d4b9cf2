// Package worker drives a flow engine forward on a fixed interval.
//
// A Worker calls Engine.Tick from a single goroutine, so ticks of one worker
// never overlap: when a tick runs longer than the interval, the missed
// intervals are dropped rather than queued up. On start the worker can first
// reset jobs that a crashed process left running.
//
// # Usage
//
//	w := worker.New(eng, worker.Config{Interval: 5 * time.Second})
//	if err := w.Start(ctx); err != nil {
//		return err
//	}
//	defer w.Stop()
//
// Run is the blocking form of Start for callers that manage their own
// goroutines, for example a CLI command that exits on SIGINT.
//
// Several workers may share one durable queue; the queue's atomic claim keeps
// a job from running twice.
package worker
