package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowpipe/internal/xjson"
	"github.com/petrijr/flowpipe/pkg/api"
)

// RedisQueue implements Queue on Redis.
//
// Keys, relative to the prefix:
//
//	job:<id>  JSON record of one job
//	pending   ZSET of pending jobs scored by scheduled time (µs), member "<seq>:<id>"
//	all       ZSET of every job id scored by creation sequence
//	running   SET of running job ids
//	seq       creation sequence counter
//
// Members of the pending set are zero-padded so jobs due in the same
// microsecond come back in creation order.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	opts   options
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "flowpipe:").
func NewRedisQueue(client redis.UniversalClient, prefix string, opts ...Option) *RedisQueue {
	if prefix == "" {
		prefix = "flowpipe:"
	}
	return &RedisQueue{client: client, prefix: prefix, opts: buildOptions(opts)}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// redisRecord is the stored form of a job.
type redisRecord struct {
	Seq          int64  `json:"seq"`
	ID           string `json:"id"`
	CampaignID   string `json:"campaign_id"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
	InstanceID   string `json:"instance_id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Data         string `json:"data,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Attempt      int    `json:"attempt"`
	ParentID     string `json:"parent_id,omitempty"`
	ScheduledAt  int64  `json:"scheduled_at"`
	StartedAt    *int64 `json:"started_at,omitempty"`
	CompletedAt  *int64 `json:"completed_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func toRecord(seq int64, j *api.Job) (*redisRecord, error) {
	data, err := encodeData(j.Data)
	if err != nil {
		return nil, err
	}
	r := &redisRecord{
		Seq:          seq,
		ID:           j.ID,
		CampaignID:   j.CampaignID,
		WorkflowID:   j.WorkflowID,
		NodeID:       j.NodeID,
		InstanceID:   j.InstanceID,
		Type:         j.Type,
		Status:       string(j.Status),
		Data:         data,
		ErrorMessage: j.ErrorMessage,
		Attempt:      j.Attempt,
		ParentID:     j.ParentID,
		ScheduledAt:  toNanos(j.ScheduledAt),
		CreatedAt:    toNanos(j.CreatedAt),
		UpdatedAt:    toNanos(j.UpdatedAt),
	}
	if j.StartedAt != nil {
		n := toNanos(*j.StartedAt)
		r.StartedAt = &n
	}
	if j.CompletedAt != nil {
		n := toNanos(*j.CompletedAt)
		r.CompletedAt = &n
	}
	return r, nil
}

func (r *redisRecord) job() (*api.Job, error) {
	data, err := decodeData(r.Data)
	if err != nil {
		return nil, err
	}
	j := &api.Job{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		WorkflowID:   r.WorkflowID,
		NodeID:       r.NodeID,
		InstanceID:   r.InstanceID,
		Type:         r.Type,
		Status:       api.JobStatus(r.Status),
		Data:         data,
		ErrorMessage: r.ErrorMessage,
		Attempt:      r.Attempt,
		ParentID:     r.ParentID,
		ScheduledAt:  fromNanos(r.ScheduledAt),
		CreatedAt:    fromNanos(r.CreatedAt),
		UpdatedAt:    fromNanos(r.UpdatedAt),
	}
	if r.StartedAt != nil {
		t := fromNanos(*r.StartedAt)
		j.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := fromNanos(*r.CompletedAt)
		j.CompletedAt = &t
	}
	return j, nil
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *RedisQueue) pendingKey() string      { return q.prefix + "pending" }
func (q *RedisQueue) allKey() string          { return q.prefix + "all" }
func (q *RedisQueue) runningKey() string      { return q.prefix + "running" }
func (q *RedisQueue) seqKey() string          { return q.prefix + "seq" }

func pendingMember(seq int64, id string) string {
	return fmt.Sprintf("%020d:%s", seq, id)
}

func pendingScore(r *redisRecord) float64 {
	return float64(r.ScheduledAt / 1000)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *api.Job) (string, error) {
	stored, err := q.opts.prepare(job)
	if err != nil {
		return "", err
	}
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job sequence: %w", err)
	}
	rec, err := toRecord(seq, stored)
	if err != nil {
		return "", err
	}
	payload, err := xjson.Marshal(rec)
	if err != nil {
		return "", err
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.jobKey(rec.ID), payload, 0)
		p.ZAdd(ctx, q.allKey(), redis.Z{Score: float64(seq), Member: rec.ID})
		p.ZAdd(ctx, q.pendingKey(), redis.Z{Score: pendingScore(rec), Member: pendingMember(seq, rec.ID)})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	return rec.ID, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*redisRecord, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", api.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec redisRecord
	if err := xjson.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode job %q: %w", id, err)
	}
	return &rec, nil
}

func (q *RedisQueue) loadMany(ctx context.Context, ids []string) ([]*redisRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*redisRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec redisRecord
		if err := xjson.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode job %q: %w", ids[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func idFromMember(m string) string {
	if i := strings.IndexByte(m, ':'); i >= 0 {
		return m[i+1:]
	}
	return m
}

func (q *RedisQueue) DueJobs(ctx context.Context, limit int) ([]*api.Job, error) {
	max := strconv.FormatInt(q.opts.now().UnixMicro(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: max, Count: int64(clampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = idFromMember(m)
	}
	recs, err := q.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	return recordsToJobs(recs)
}

// claimScript pops up to ARGV[2] members scored at or below ARGV[1] from
// the pending set and marks their ids as running, atomically.
var claimScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(members) do
	redis.call('ZREM', KEYS[1], m)
	local sep = string.find(m, ':', 1, true)
	redis.call('SADD', KEYS[2], string.sub(m, sep + 1))
end
return members
`)

func (q *RedisQueue) ClaimDue(ctx context.Context, limit int) ([]*api.Job, error) {
	now := q.opts.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.pendingKey(), q.runningKey()},
		now.UnixMicro(), clampLimit(limit),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	ids := make([]string, len(res))
	for i, m := range res {
		ids[i] = idFromMember(m)
	}
	recs, err := q.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*api.Job, 0, len(recs))
	_, err = q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, rec := range recs {
			j, err := rec.job()
			if err != nil {
				return err
			}
			j.ApplyStatus(api.JobRunning, "", now)
			updated, err := toRecord(rec.Seq, j)
			if err != nil {
				return err
			}
			payload, err := xjson.Marshal(updated)
			if err != nil {
				return err
			}
			p.Set(ctx, q.jobKey(j.ID), payload, 0)
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark claimed jobs: %w", err)
	}
	return out, nil
}

func (q *RedisQueue) SetStatus(ctx context.Context, id string, status api.JobStatus, errMsg string) error {
	key := q.jobKey(id)
	return q.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := q.load(ctx, id)
		if err != nil {
			return err
		}
		j, err := rec.job()
		if err != nil {
			return err
		}
		j.ApplyStatus(status, errMsg, q.opts.now())
		updated, err := toRecord(rec.Seq, j)
		if err != nil {
			return err
		}
		payload, err := xjson.Marshal(updated)
		if err != nil {
			return err
		}
		member := pendingMember(rec.Seq, id)

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, 0)
			if status == api.JobPending {
				p.ZAdd(ctx, q.pendingKey(), redis.Z{Score: pendingScore(updated), Member: member})
			} else {
				p.ZRem(ctx, q.pendingKey(), member)
			}
			if status == api.JobRunning {
				p.SAdd(ctx, q.runningKey(), id)
			} else {
				p.SRem(ctx, q.runningKey(), id)
			}
			return nil
		})
		return err
	}, key)
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*api.Job, error) {
	rec, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.job()
}

func (q *RedisQueue) List(ctx context.Context, f Filter) ([]*api.Job, error) {
	ids, err := q.client.ZRange(ctx, q.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	recs, err := q.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	jobs, err := recordsToJobs(recs)
	if err != nil {
		return nil, err
	}
	out := make([]*api.Job, 0, len(jobs))
	for _, j := range jobs {
		if !f.matches(j) {
			continue
		}
		out = append(out, j)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (q *RedisQueue) RecoverRunning(ctx context.Context) ([]string, error) {
	ids, err := q.client.SMembers(ctx, q.runningKey()).Result()
	if err != nil {
		return nil, err
	}
	recovered := make([]string, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			return recovered, err
		}
		if err := q.SetStatus(ctx, id, api.JobPending, job.ErrorMessage); err != nil {
			return recovered, fmt.Errorf("recover job %q: %w", id, err)
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// Len returns the number of stored jobs in any status.
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.allKey()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func recordsToJobs(recs []*redisRecord) ([]*api.Job, error) {
	out := make([]*api.Job, 0, len(recs))
	for _, r := range recs {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
