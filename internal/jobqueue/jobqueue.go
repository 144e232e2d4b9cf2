// Package jobqueue is the durable, at-least-once job store the flow engine
// schedules work through.
//
// Jobs are never deleted. A job is eligible when it is pending and its
// scheduled time has passed; eligible jobs are always returned earliest-due
// first, ties broken by creation order.
package jobqueue

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowpipe/pkg/api"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	CampaignID string
	InstanceID string
	Statuses   []api.JobStatus
	Limit      int
}

func (f Filter) matches(j *api.Job) bool {
	if f.CampaignID != "" && j.CampaignID != f.CampaignID {
		return false
	}
	if f.InstanceID != "" && j.InstanceID != f.InstanceID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Queue is the persistent job queue.
type Queue interface {
	// Enqueue inserts job as pending under a fresh id, which it returns.
	// The ID, Status and timestamp fields of job are filled in; a zero
	// ScheduledAt means now.
	Enqueue(ctx context.Context, job *api.Job) (string, error)

	// DueJobs returns up to limit eligible jobs without claiming them.
	DueJobs(ctx context.Context, limit int) ([]*api.Job, error)

	// ClaimDue atomically moves up to limit eligible jobs to running and
	// returns them. A job is never returned to two concurrent claimers.
	ClaimDue(ctx context.Context, limit int) ([]*api.Job, error)

	// SetStatus transitions a job. started_at is set on the first
	// transition into running only; completed_at is set by terminal
	// statuses and cleared by the others.
	SetStatus(ctx context.Context, id string, status api.JobStatus, errMsg string) error

	Get(ctx context.Context, id string) (*api.Job, error)

	// List returns jobs matching f in creation order.
	List(ctx context.Context, f Filter) ([]*api.Job, error)

	// RecoverRunning resets every running job to pending, keeping its
	// scheduled time and data, and returns the ids it reset.
	RecoverRunning(ctx context.Context) ([]string, error)
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock overrides the time source used for due checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepare fills in the fields Enqueue owns and returns the stored copy.
func (o options) prepare(job *api.Job) (*api.Job, error) {
	now := o.now()
	job.ID = o.newID()
	job.Status = api.JobPending
	job.ErrorMessage = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Type == "" {
		job.Type = api.DefaultPerItemJobType
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	data, err := normalizeData(job.Data)
	if err != nil {
		return nil, err
	}
	job.Data = data
	return job.Clone(), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}

type seqJob struct {
	seq int64
	job *api.Job
}

// sortDue orders jobs by scheduled time, then creation sequence.
func sortDue(jobs []seqJob) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a].job, jobs[b].job
		if !ja.ScheduledAt.Equal(jb.ScheduledAt) {
			return ja.ScheduledAt.Before(jb.ScheduledAt)
		}
		return jobs[a].seq < jobs[b].seq
	})
}

func unwrap(jobs []seqJob) []*api.Job {
	out := make([]*api.Job, len(jobs))
	for i, sj := range jobs {
		out[i] = sj.job
	}
	return out
}
