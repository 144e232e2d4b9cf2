// Package metrics exports engine activity as Prometheus metrics through an
// api.Observer.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/flowpipe/pkg/api"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "flowpipe"

// Observer records job and node lifecycle callbacks.
type Observer struct {
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
	jobsEnqueued  *prometheus.CounterVec
	jobsRecovered prometheus.Counter

	nodeDuration *prometheus.HistogramVec
}

// Ensure Observer implements api.Observer.
var _ api.Observer = (*Observer)(nil)

// New registers the collectors with reg. The namespace defaults to
// DefaultNamespace.
func New(reg prometheus.Registerer, namespace string) *Observer {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Observer{
		jobsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs claimed and started.",
		}),
		jobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that completed.",
		}),
		jobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that failed, by outcome.",
		}, []string{"outcome"}),
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing.",
		}),
		jobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs created by the engine, by kind.",
		}, []string{"kind"}),
		jobsRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Running jobs reset to pending by crash recovery.",
		}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Capability execution time by node instance and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance", "result"}),
	}
}

func (o *Observer) OnJobStart(ctx context.Context, job *api.Job) {
	o.jobsStarted.Inc()
	o.jobsInFlight.Inc()
}

func (o *Observer) OnJobCompleted(ctx context.Context, job *api.Job) {
	o.jobsCompleted.Inc()
	o.jobsInFlight.Dec()
}

func (o *Observer) OnJobFailed(ctx context.Context, job *api.Job, err error, retry bool) {
	outcome := "final"
	switch {
	case retry:
		outcome = "retry"
	case api.IsBlocked(err):
		outcome = "blocked"
	}
	o.jobsFailed.WithLabelValues(outcome).Inc()
	o.jobsInFlight.Dec()
}

func (o *Observer) OnNodeStart(ctx context.Context, job *api.Job, instanceID string) {}

func (o *Observer) OnNodeCompleted(ctx context.Context, job *api.Job, instanceID string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.nodeDuration.WithLabelValues(instanceID, result).Observe(d.Seconds())
}

func (o *Observer) OnJobsEnqueued(ctx context.Context, kind string, n int) {
	o.jobsEnqueued.WithLabelValues(kind).Add(float64(n))
}

func (o *Observer) OnJobsRecovered(ctx context.Context, n int) {
	o.jobsRecovered.Add(float64(n))
}

// Serve exposes the gatherer on addr under path until ctx is done.
func Serve(ctx context.Context, addr, path string, g prometheus.Gatherer) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
