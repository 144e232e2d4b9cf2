package jobqueue

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowpipe/pkg/api"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type queueFactory func(t *testing.T, clock *fakeClock) Queue

func newMemoryQueue(t *testing.T, clock *fakeClock) Queue {
	return NewInMemoryQueue(WithClock(clock.now))
}

func newTestSQLiteQueue(t *testing.T, clock *fakeClock) Queue {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})
	q, err := NewSQLiteQueue(db, WithClock(clock.now))
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func newTestRedisQueue(t *testing.T, clock *fakeClock) Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedisQueue(client, "test:", WithClock(clock.now))
}

// QueueSuite runs the same behavioral checks against every backend.
type QueueSuite struct {
	suite.Suite
	factory queueFactory
	clock   *fakeClock
	queue   Queue
	ctx     context.Context
}

func (s *QueueSuite) SetupTest() {
	s.clock = newFakeClock()
	s.queue = s.factory(s.T(), s.clock)
	s.ctx = context.Background()
}

func TestInMemoryQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{factory: newMemoryQueue})
}

func TestSQLiteQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{factory: newTestSQLiteQueue})
}

func TestRedisQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{factory: newTestRedisQueue})
}

func (s *QueueSuite) enqueue(instance string, at time.Time, data any) string {
	id, err := s.queue.Enqueue(s.ctx, &api.Job{
		CampaignID:  "camp-1",
		WorkflowID:  "wf",
		NodeID:      "core.test",
		InstanceID:  instance,
		ScheduledAt: at,
		Data:        data,
	})
	s.Require().NoError(err)
	return id
}

func ids(jobs []*api.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func (s *QueueSuite) TestEnqueueFillsDefaults() {
	job := &api.Job{CampaignID: "camp-1", InstanceID: "a", Status: api.JobCompleted, Data: map[string]any{"n": 1}}
	id, err := s.queue.Enqueue(s.ctx, job)
	s.Require().NoError(err)
	s.NotEmpty(id)
	s.Equal(id, job.ID)

	got, err := s.queue.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(api.JobPending, got.Status)
	s.Equal(api.DefaultPerItemJobType, got.Type)
	s.Equal(1, got.Attempt)
	s.True(got.ScheduledAt.Equal(s.clock.now()), "zero scheduled_at means now")
	s.Nil(got.StartedAt)
	s.Nil(got.CompletedAt)
	s.Equal(map[string]any{"n": float64(1)}, got.Data)
}

func (s *QueueSuite) TestDueOrdering() {
	now := s.clock.now()
	late := s.enqueue("late", now.Add(2*time.Second), nil)
	first := s.enqueue("first", now.Add(-time.Second), nil)
	a := s.enqueue("a", now, nil)
	b := s.enqueue("b", now, nil)

	due, err := s.queue.DueJobs(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal([]string{first, a, b}, ids(due))

	s.clock.advance(2 * time.Second)
	claimed, err := s.queue.ClaimDue(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal([]string{first, a, b, late}, ids(claimed))
}

func (s *QueueSuite) TestDueJobsRespectsLimit() {
	now := s.clock.now()
	for i := 0; i < 5; i++ {
		s.enqueue(fmt.Sprintf("n%d", i), now, nil)
	}
	due, err := s.queue.DueJobs(s.ctx, 3)
	s.Require().NoError(err)
	s.Len(due, 3)

	// DueJobs does not claim.
	due, err = s.queue.DueJobs(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(due, 5)
}

func (s *QueueSuite) TestClaimDueMarksRunningOnce() {
	id := s.enqueue("a", time.Time{}, nil)

	claimed, err := s.queue.ClaimDue(s.ctx, 5)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(api.JobRunning, claimed[0].Status)
	s.Require().NotNil(claimed[0].StartedAt)

	again, err := s.queue.ClaimDue(s.ctx, 5)
	s.Require().NoError(err)
	s.Empty(again)

	got, err := s.queue.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(api.JobRunning, got.Status)
}

func (s *QueueSuite) TestSetStatusTimestamps() {
	id := s.enqueue("a", time.Time{}, nil)
	start := s.clock.now()

	s.Require().NoError(s.queue.SetStatus(s.ctx, id, api.JobRunning, ""))
	s.clock.advance(time.Minute)
	s.Require().NoError(s.queue.SetStatus(s.ctx, id, api.JobPending, "blocked"))
	s.clock.advance(time.Minute)
	s.Require().NoError(s.queue.SetStatus(s.ctx, id, api.JobRunning, ""))

	got, err := s.queue.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(got.StartedAt)
	s.True(got.StartedAt.Equal(start), "started_at is only set once")
	s.Nil(got.CompletedAt)

	s.Require().NoError(s.queue.SetStatus(s.ctx, id, api.JobFailed, "boom"))
	got, err = s.queue.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(api.JobFailed, got.Status)
	s.Equal("boom", got.ErrorMessage)
	s.Require().NotNil(got.CompletedAt)
	s.True(got.CompletedAt.Equal(s.clock.now()))

	s.Require().NoError(s.queue.SetStatus(s.ctx, id, api.JobPending, ""))
	got, err = s.queue.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Nil(got.CompletedAt, "non-terminal status clears completed_at")
	s.Empty(got.ErrorMessage)

	due, err := s.queue.DueJobs(s.ctx, 5)
	s.Require().NoError(err)
	s.Equal([]string{id}, ids(due))
}

func (s *QueueSuite) TestUnknownJob() {
	err := s.queue.SetStatus(s.ctx, "missing", api.JobCompleted, "")
	s.ErrorIs(err, api.ErrJobNotFound)

	_, err = s.queue.Get(s.ctx, "missing")
	s.ErrorIs(err, api.ErrJobNotFound)
}

func (s *QueueSuite) TestListFilters() {
	a := s.enqueue("scan", time.Time{}, nil)
	b := s.enqueue("publish", time.Time{}, nil)
	_, err := s.queue.Enqueue(s.ctx, &api.Job{CampaignID: "camp-2", InstanceID: "scan"})
	s.Require().NoError(err)
	s.Require().NoError(s.queue.SetStatus(s.ctx, b, api.JobCompleted, ""))

	all, err := s.queue.List(s.ctx, Filter{CampaignID: "camp-1"})
	s.Require().NoError(err)
	s.Equal([]string{a, b}, ids(all))

	scans, err := s.queue.List(s.ctx, Filter{InstanceID: "scan"})
	s.Require().NoError(err)
	s.Len(scans, 2)

	done, err := s.queue.List(s.ctx, Filter{Statuses: []api.JobStatus{api.JobCompleted}})
	s.Require().NoError(err)
	s.Equal([]string{b}, ids(done))

	limited, err := s.queue.List(s.ctx, Filter{Limit: 1})
	s.Require().NoError(err)
	s.Equal([]string{a}, ids(limited))
}

func (s *QueueSuite) TestRecoverRunning() {
	data := map[string]any{"url": "https://example.com/v/1"}
	at := s.clock.now().Add(-time.Minute)
	id := s.enqueue("download", at, data)
	other := s.enqueue("download", at, nil)

	_, err := s.queue.ClaimDue(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().NoError(s.queue.SetStatus(s.ctx, other, api.JobCompleted, ""))

	recovered, err := s.queue.RecoverRunning(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{id}, recovered)

	got, err := s.queue.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(api.JobPending, got.Status)
	s.True(got.ScheduledAt.Equal(at), "recovery keeps scheduled_at")
	s.Equal(data, got.Data)

	due, err := s.queue.DueJobs(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal([]string{id}, ids(due))
}

func (s *QueueSuite) TestConcurrentClaimNeverDuplicates() {
	const total = 40
	for i := 0; i < total; i++ {
		s.enqueue(fmt.Sprintf("n%d", i), time.Time{}, nil)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	g, ctx := errgroup.WithContext(s.ctx)
	for w := 0; w < 6; w++ {
		g.Go(func() error {
			for {
				jobs, err := s.queue.ClaimDue(ctx, 3)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					return nil
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		})
	}
	s.Require().NoError(g.Wait())
	s.Len(seen, total)
	for id, n := range seen {
		s.Equalf(1, n, "job %s claimed %d times", id, n)
	}
}
