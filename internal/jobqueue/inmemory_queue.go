package jobqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/petrijr/flowpipe/pkg/api"
)

// InMemoryQueue keeps jobs in process memory. It is safe for concurrent use
// and intended for tests and single-process runs without durability.
type InMemoryQueue struct {
	opts options

	mu   sync.Mutex
	seq  int64
	byID map[string]*seqJob
	all  []*seqJob
}

func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	return &InMemoryQueue{
		opts: buildOptions(opts),
		byID: make(map[string]*seqJob),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, job *api.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, err := q.opts.prepare(job)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	e := &seqJob{seq: q.seq, job: stored}
	q.byID[stored.ID] = e
	q.all = append(q.all, e)
	return stored.ID, nil
}

// due returns eligible entries in due order. Caller holds q.mu.
func (q *InMemoryQueue) due(limit int) []seqJob {
	now := q.opts.now()
	var out []seqJob
	for _, e := range q.all {
		if e.job.Due(now) {
			out = append(out, *e)
		}
	}
	sortDue(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (q *InMemoryQueue) DueJobs(ctx context.Context, limit int) ([]*api.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	due := q.due(clampLimit(limit))
	for i := range due {
		due[i].job = due[i].job.Clone()
	}
	return unwrap(due), nil
}

func (q *InMemoryQueue) ClaimDue(ctx context.Context, limit int) ([]*api.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.now()
	due := q.due(clampLimit(limit))
	for i := range due {
		due[i].job.ApplyStatus(api.JobRunning, "", now)
		due[i].job = due[i].job.Clone()
	}
	return unwrap(due), nil
}

func (q *InMemoryQueue) SetStatus(ctx context.Context, id string, status api.JobStatus, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrJobNotFound, id)
	}
	e.job.ApplyStatus(status, errMsg, q.opts.now())
	return nil
}

func (q *InMemoryQueue) Get(ctx context.Context, id string) (*api.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrJobNotFound, id)
	}
	return e.job.Clone(), nil
}

func (q *InMemoryQueue) List(ctx context.Context, f Filter) ([]*api.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*api.Job
	for _, e := range q.all {
		if !f.matches(e.job) {
			continue
		}
		out = append(out, e.job.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (q *InMemoryQueue) RecoverRunning(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.now()
	var ids []string
	for _, e := range q.all {
		if e.job.Status == api.JobRunning {
			e.job.ApplyStatus(api.JobPending, e.job.ErrorMessage, now)
			ids = append(ids, e.job.ID)
		}
	}
	return ids, nil
}

// Len returns the number of stored jobs in any status.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.all)
}
