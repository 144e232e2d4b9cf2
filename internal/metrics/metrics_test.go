package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowpipe/pkg/api"
)

func TestObserver_JobLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg, "")
	ctx := context.Background()
	job := &api.Job{ID: "j1"}

	for i := 0; i < 4; i++ {
		o.OnJobStart(ctx, job)
	}
	o.OnJobCompleted(ctx, job)
	o.OnJobFailed(ctx, job, errors.New("boom"), true)
	o.OnJobFailed(ctx, job, api.NewBlockedError("captcha"), false)

	require.Equal(t, 4.0, testutil.ToFloat64(o.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(o.jobsCompleted))
	require.Equal(t, 1.0, testutil.ToFloat64(o.jobsFailed.WithLabelValues("retry")))
	require.Equal(t, 1.0, testutil.ToFloat64(o.jobsFailed.WithLabelValues("blocked")))
	require.Equal(t, 0.0, testutil.ToFloat64(o.jobsFailed.WithLabelValues("final")))
	require.Equal(t, 1.0, testutil.ToFloat64(o.jobsInFlight))
}

func TestObserver_EnqueuedAndRecovered(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg, "test")
	ctx := context.Background()

	o.OnJobsEnqueued(ctx, "fanout", 3)
	o.OnJobsEnqueued(ctx, "rearm", 1)
	o.OnJobsEnqueued(ctx, "fanout", 2)
	o.OnJobsRecovered(ctx, 4)

	expected := `
# HELP test_jobs_enqueued_total Jobs created by the engine, by kind.
# TYPE test_jobs_enqueued_total counter
test_jobs_enqueued_total{kind="fanout"} 5
test_jobs_enqueued_total{kind="rearm"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_jobs_enqueued_total"))
	require.Equal(t, 4.0, testutil.ToFloat64(o.jobsRecovered))
}

func TestObserver_NodeDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg, "")
	ctx := context.Background()
	job := &api.Job{ID: "j1"}

	o.OnNodeCompleted(ctx, job, "scan_1", nil, 20*time.Millisecond)
	o.OnNodeCompleted(ctx, job, "scan_1", errors.New("x"), time.Second)

	require.Equal(t, 2, testutil.CollectAndCount(o.nodeDuration))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "")
	require.Panics(t, func() { New(reg, "") })
}
