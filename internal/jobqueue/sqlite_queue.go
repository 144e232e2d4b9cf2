package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petrijr/flowpipe/pkg/api"
)

// SQLiteQueue is a persistent job queue backed by SQLite. Claiming is a
// single UPDATE ... RETURNING statement, so concurrent claimers never see
// the same job.
type SQLiteQueue struct {
	db   *sql.DB
	opts options
}

// NewSQLiteQueue initializes the jobs table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB, opts ...Option) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db, opts: buildOptions(opts)}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			campaign_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 1,
			parent_id TEXT NOT NULL DEFAULT '',
			scheduled_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, scheduled_at, seq);
		CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON jobs(campaign_id, instance_id);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, job *api.Job) (string, error) {
	stored, err := q.opts.prepare(job)
	if err != nil {
		return "", err
	}
	data, err := encodeData(stored.Data)
	if err != nil {
		return "", err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, campaign_id, workflow_id, node_id, instance_id, type, status,
			data, error_message, attempt, parent_id, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?)`,
		stored.ID, stored.CampaignID, stored.WorkflowID, stored.NodeID, stored.InstanceID,
		stored.Type, string(stored.Status), data, stored.Attempt, stored.ParentID,
		toNanos(stored.ScheduledAt), toNanos(stored.CreatedAt), toNanos(stored.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return stored.ID, nil
}

func (q *SQLiteQueue) DueJobs(ctx context.Context, limit int) ([]*api.Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at, seq
		LIMIT ?`, toNanos(q.opts.now()), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	return unwrap(jobs), nil
}

func (q *SQLiteQueue) ClaimDue(ctx context.Context, limit int) ([]*api.Job, error) {
	now := toNanos(q.opts.now())
	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'running',
			started_at = COALESCE(started_at, ?1),
			completed_at = NULL,
			error_message = '',
			updated_at = ?1
		WHERE seq IN (
			SELECT seq FROM jobs
			WHERE status = 'pending' AND scheduled_at <= ?1
			ORDER BY scheduled_at, seq
			LIMIT ?2
		)
		RETURNING `+jobColumns, now, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sortDue(jobs)
	return unwrap(jobs), nil
}

func (q *SQLiteQueue) SetStatus(ctx context.Context, id string, status api.JobStatus, errMsg string) error {
	now := toNanos(q.opts.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?1,
			error_message = ?2,
			updated_at = ?3,
			started_at = CASE WHEN ?1 = 'running' THEN COALESCE(started_at, ?3) ELSE started_at END,
			completed_at = CASE WHEN ?1 IN ('completed', 'failed') THEN ?3 ELSE NULL END
		WHERE id = ?4`, string(status), errMsg, now, id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", api.ErrJobNotFound, id)
	}
	return nil
}

func (q *SQLiteQueue) Get(ctx context.Context, id string) (*api.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	sj, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return sj.job, nil
}

func (q *SQLiteQueue) List(ctx context.Context, f Filter) ([]*api.Job, error) {
	query, args := listQuery("jobs", f, func(int) string { return "?" })
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	return unwrap(jobs), nil
}

func (q *SQLiteQueue) RecoverRunning(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'pending', completed_at = NULL, updated_at = ?
		WHERE status = 'running'
		RETURNING id`, toNanos(q.opts.now()))
	if err != nil {
		return nil, fmt.Errorf("recover running jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Len returns the number of stored jobs in any status.
func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0
	}
	return n
}
