package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// testObserver counts callbacks to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	completes int
	fails     int
	retries   int

	nodeStarts    int
	nodeCompletes int
	enqueued      map[string]int
	recovered     int

	lastFailErr error
}

func (o *testObserver) OnJobStart(ctx context.Context, job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *testObserver) OnJobCompleted(ctx context.Context, job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnJobFailed(ctx context.Context, job *Job, err error, retry bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	if retry {
		o.retries++
	}
	o.lastFailErr = err
}

func (o *testObserver) OnNodeStart(ctx context.Context, job *Job, instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodeStarts++
}

func (o *testObserver) OnNodeCompleted(ctx context.Context, job *Job, instanceID string, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodeCompletes++
}

func (o *testObserver) OnJobsEnqueued(ctx context.Context, kind string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.enqueued == nil {
		o.enqueued = map[string]int{}
	}
	o.enqueued[kind] += n
}

func (o *testObserver) OnJobsRecovered(ctx context.Context, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovered += n
}

func TestNewCompositeObserver_FiltersNil(t *testing.T) {
	if _, ok := NewCompositeObserver(nil, nil).(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for all-nil input")
	}

	single := &testObserver{}
	if got := NewCompositeObserver(nil, single); got != single {
		t.Fatalf("expected single observer to be returned as-is")
	}
}

func TestCompositeObserver_FansOut(t *testing.T) {
	a, b := &testObserver{}, &testObserver{}
	obs := NewCompositeObserver(a, b)
	ctx := context.Background()
	job := &Job{ID: "j1", CampaignID: "c1", InstanceID: "scan_1", Attempt: 1}
	boom := errors.New("boom")

	obs.OnJobStart(ctx, job)
	obs.OnNodeStart(ctx, job, "scan_1")
	obs.OnNodeCompleted(ctx, job, "scan_1", nil, time.Millisecond)
	obs.OnJobCompleted(ctx, job)
	obs.OnJobFailed(ctx, job, boom, true)
	obs.OnJobsEnqueued(ctx, "fanout", 3)
	obs.OnJobsRecovered(ctx, 2)

	for _, o := range []*testObserver{a, b} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.retries != 1 {
			t.Fatalf("unexpected job counts: %+v", o)
		}
		if o.nodeStarts != 1 || o.nodeCompletes != 1 {
			t.Fatalf("unexpected node counts: %+v", o)
		}
		if o.enqueued["fanout"] != 3 || o.recovered != 2 {
			t.Fatalf("unexpected enqueue/recover counts: %+v", o)
		}
		if !errors.Is(o.lastFailErr, boom) {
			t.Fatalf("expected failure error to propagate, got %v", o.lastFailErr)
		}
	}
}

func TestLoggingObserver_WritesJobAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := NewLoggingObserver(logger)
	ctx := context.Background()
	job := &Job{ID: "job-42", CampaignID: "camp-7", InstanceID: "publisher_1", Attempt: 2}

	obs.OnJobStart(ctx, job)
	obs.OnNodeCompleted(ctx, job, "publisher_1", errors.New("publish failed"), 5*time.Millisecond)
	obs.OnJobFailed(ctx, job, errors.New("publish failed"), true)

	out := buf.String()
	for _, want := range []string{
		"job_start", "job_id=job-42", "campaign_id=camp-7", "attempt=2",
		"node_completed", "level=ERROR", "job_failed", "retry_scheduled=true",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	job := &Job{ID: "j"}

	m.OnJobStart(ctx, job)
	m.OnJobStart(ctx, job)
	m.OnJobStart(ctx, job)
	m.OnJobCompleted(ctx, job)
	m.OnJobFailed(ctx, job, errors.New("x"), true)
	m.OnNodeCompleted(ctx, job, "a", nil, 10*time.Millisecond)
	m.OnNodeCompleted(ctx, job, "b", nil, 30*time.Millisecond)
	m.OnNodeCompleted(ctx, job, "c", errors.New("ignored"), time.Hour)
	m.OnJobsRecovered(ctx, 4)

	snap := m.Snapshot()
	if snap.JobsStarted != 3 || snap.JobsCompleted != 1 || snap.JobsFailed != 1 {
		t.Fatalf("unexpected job counters: %+v", snap)
	}
	if snap.InFlightJobs != 1 {
		t.Fatalf("expected 1 in-flight job, got %d", snap.InFlightJobs)
	}
	if snap.RetriesScheduled != 1 || snap.JobsRecovered != 4 {
		t.Fatalf("unexpected retry/recover counters: %+v", snap)
	}
	if snap.NodesCompleted != 2 || snap.AvgNodeDuration != 20*time.Millisecond {
		t.Fatalf("unexpected node stats: %+v", snap)
	}
}
