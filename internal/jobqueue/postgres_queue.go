package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petrijr/flowpipe/pkg/api"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Claiming locks due rows with FOR UPDATE SKIP LOCKED, so several engine
// processes can share one table without double execution.
type PostgresQueue struct {
	db   *sql.DB
	opts options
}

// OpenPostgres opens a database handle through the pgx stdlib driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB, opts ...Option) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, opts: buildOptions(opts)}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_jobs (
			seq           BIGSERIAL PRIMARY KEY,
			id            TEXT NOT NULL UNIQUE,
			campaign_id   TEXT NOT NULL,
			workflow_id   TEXT NOT NULL DEFAULT '',
			node_id       TEXT NOT NULL DEFAULT '',
			instance_id   TEXT NOT NULL,
			type          TEXT NOT NULL,
			status        TEXT NOT NULL,
			data          TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempt       INTEGER NOT NULL DEFAULT 1,
			parent_id     TEXT NOT NULL DEFAULT '',
			scheduled_at  BIGINT NOT NULL,
			started_at    BIGINT,
			completed_at  BIGINT,
			created_at    BIGINT NOT NULL,
			updated_at    BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_flow_jobs_due ON flow_jobs(status, scheduled_at, seq);
		CREATE INDEX IF NOT EXISTS idx_flow_jobs_campaign ON flow_jobs(campaign_id, instance_id);
	`)
	return err
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func (q *PostgresQueue) Enqueue(ctx context.Context, job *api.Job) (string, error) {
	stored, err := q.opts.prepare(job)
	if err != nil {
		return "", err
	}
	data, err := encodeData(stored.Data)
	if err != nil {
		return "", err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO flow_jobs (id, campaign_id, workflow_id, node_id, instance_id, type, status,
			data, error_message, attempt, parent_id, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $10, $11, $12, $13)`,
		stored.ID, stored.CampaignID, stored.WorkflowID, stored.NodeID, stored.InstanceID,
		stored.Type, string(stored.Status), data, stored.Attempt, stored.ParentID,
		toNanos(stored.ScheduledAt), toNanos(stored.CreatedAt), toNanos(stored.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return stored.ID, nil
}

func (q *PostgresQueue) DueJobs(ctx context.Context, limit int) ([]*api.Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM flow_jobs
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at, seq
		LIMIT $2`, toNanos(q.opts.now()), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	return unwrap(jobs), nil
}

func (q *PostgresQueue) ClaimDue(ctx context.Context, limit int) ([]*api.Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE flow_jobs
		SET status = 'running',
			started_at = COALESCE(started_at, $1),
			completed_at = NULL,
			error_message = '',
			updated_at = $1
		WHERE seq IN (
			SELECT seq FROM flow_jobs
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at, seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, toNanos(q.opts.now()), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	sortDue(jobs)
	return unwrap(jobs), nil
}

func (q *PostgresQueue) SetStatus(ctx context.Context, id string, status api.JobStatus, errMsg string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE flow_jobs
		SET status = $1,
			error_message = $2,
			updated_at = $3,
			started_at = CASE WHEN $1 = 'running' THEN COALESCE(started_at, $3) ELSE started_at END,
			completed_at = CASE WHEN $1 IN ('completed', 'failed') THEN $3 ELSE NULL END
		WHERE id = $4`, string(status), errMsg, toNanos(q.opts.now()), id)
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

func (q *PostgresQueue) Get(ctx context.Context, id string) (*api.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM flow_jobs WHERE id = $1`, id)
	sj, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return sj.job, nil
}

func (q *PostgresQueue) List(ctx context.Context, f Filter) ([]*api.Job, error) {
	query, args := listQuery("flow_jobs", f, pgPlaceholder)
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

func (q *PostgresQueue) RecoverRunning(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE flow_jobs
		SET status = 'pending', completed_at = NULL, updated_at = $1
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
