package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the flow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay job execution.
type Observer interface {
	// OnJobStart is called after a job was claimed, before its first node
	// runs.
	OnJobStart(ctx context.Context, job *Job)

	// OnJobCompleted is called when a job reaches JobCompleted.
	OnJobCompleted(ctx context.Context, job *Job)

	// OnJobFailed is called when a job transitions to JobFailed.
	// retryScheduled tells whether a new attempt was enqueued.
	OnJobFailed(ctx context.Context, job *Job, err error, retryScheduled bool)

	// OnNodeStart is called before a node's capability is invoked.
	OnNodeStart(ctx context.Context, job *Job, instanceID string)

	// OnNodeCompleted is called after a capability returns, for both
	// successes and failures (err != nil).
	OnNodeCompleted(ctx context.Context, job *Job, instanceID string, err error, duration time.Duration)

	// OnJobsEnqueued is called when the engine creates follow-up jobs
	// or seeds jobs. kind is one of "trigger", "rearm", "fanout", "retry"
	// and "resolve".
	OnJobsEnqueued(ctx context.Context, kind string, n int)

	// OnJobsRecovered is called after crash recovery reset n jobs.
	OnJobsRecovered(ctx context.Context, n int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnJobStart(ctx context.Context, job *Job)                         {}
func (NoopObserver) OnJobCompleted(ctx context.Context, job *Job)                     {}
func (NoopObserver) OnJobFailed(ctx context.Context, job *Job, err error, retry bool) {}
func (NoopObserver) OnNodeStart(ctx context.Context, job *Job, instanceID string)     {}
func (NoopObserver) OnJobsEnqueued(ctx context.Context, kind string, n int)           {}
func (NoopObserver) OnJobsRecovered(ctx context.Context, n int)                       {}
func (NoopObserver) OnNodeCompleted(ctx context.Context, job *Job, id string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobStart(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobStart(ctx, job)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job)
	}
}

func (c *CompositeObserver) OnJobFailed(ctx context.Context, job *Job, err error, retry bool) {
	for _, o := range c.observers {
		o.OnJobFailed(ctx, job, err, retry)
	}
}

func (c *CompositeObserver) OnNodeStart(ctx context.Context, job *Job, instanceID string) {
	for _, o := range c.observers {
		o.OnNodeStart(ctx, job, instanceID)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, job *Job, instanceID string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, job, instanceID, err, d)
	}
}

func (c *CompositeObserver) OnJobsEnqueued(ctx context.Context, kind string, n int) {
	for _, o := range c.observers {
		o.OnJobsEnqueued(ctx, kind, n)
	}
}

func (c *CompositeObserver) OnJobsRecovered(ctx context.Context, n int) {
	for _, o := range c.observers {
		o.OnJobsRecovered(ctx, n)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs job / node lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func jobAttrs(job *Job) []any {
	return []any{
		slog.String("job_id", job.ID),
		slog.String("campaign_id", job.CampaignID),
		slog.String("instance_id", job.InstanceID),
		slog.Int("attempt", job.Attempt),
	}
}

func (o *LoggingObserver) OnJobStart(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_start", jobAttrs(job)...)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_completed", jobAttrs(job)...)
}

func (o *LoggingObserver) OnJobFailed(ctx context.Context, job *Job, err error, retry bool) {
	o.Logger.ErrorContext(ctx, "job_failed",
		append(jobAttrs(job), slog.Bool("retry_scheduled", retry), slog.Any("error", err))...,
	)
}

func (o *LoggingObserver) OnNodeStart(ctx context.Context, job *Job, instanceID string) {
	o.Logger.DebugContext(ctx, "node_start",
		slog.String("job_id", job.ID),
		slog.String("node", instanceID),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, job *Job, instanceID string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("job_id", job.ID),
		slog.String("node", instanceID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnJobsEnqueued(ctx context.Context, kind string, n int) {
	o.Logger.DebugContext(ctx, "jobs_enqueued", slog.String("kind", kind), slog.Int("count", n))
}

func (o *LoggingObserver) OnJobsRecovered(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	o.Logger.WarnContext(ctx, "jobs_recovered", slog.Int("count", n))
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	jobsStarted       atomic.Int64
	jobsCompleted     atomic.Int64
	jobsFailed        atomic.Int64
	retriesScheduled  atomic.Int64
	jobsRecovered     atomic.Int64
	nodesCompleted    atomic.Int64
	totalNodeDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsStarted      int64
	JobsCompleted    int64
	JobsFailed       int64
	RetriesScheduled int64
	JobsRecovered    int64
	InFlightJobs     int64

	NodesCompleted  int64
	AvgNodeDuration time.Duration
}

func (m *BasicMetrics) OnJobStart(ctx context.Context, job *Job) {
	m.jobsStarted.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job *Job) {
	m.jobsCompleted.Add(1)
}

func (m *BasicMetrics) OnJobFailed(ctx context.Context, job *Job, err error, retry bool) {
	m.jobsFailed.Add(1)
	if retry {
		m.retriesScheduled.Add(1)
	}
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, job *Job, instanceID string, err error, d time.Duration) {
	// Only count successful nodes for average duration.
	if err == nil {
		m.nodesCompleted.Add(1)
		m.totalNodeDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnJobsRecovered(ctx context.Context, n int) {
	m.jobsRecovered.Add(int64(n))
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.jobsStarted.Load()
	completed := m.jobsCompleted.Load()
	failed := m.jobsFailed.Load()
	nodes := m.nodesCompleted.Load()
	totalNs := m.totalNodeDuration.Load()

	var avg time.Duration
	if nodes > 0 {
		avg = time.Duration(totalNs / nodes)
	}

	return BasicMetricsSnapshot{
		JobsStarted:      started,
		JobsCompleted:    completed,
		JobsFailed:       failed,
		RetriesScheduled: m.retriesScheduled.Load(),
		JobsRecovered:    m.jobsRecovered.Load(),
		InFlightJobs:     started - completed - failed,
		NodesCompleted:   nodes,
		AvgNodeDuration:  avg,
	}
}
