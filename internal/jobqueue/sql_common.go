package jobqueue

import (
	"database/sql"
	"strings"

	"github.com/petrijr/flowpipe/pkg/api"
)

// jobColumns is the shared select list of the SQL backends. Times are
// stored as Unix nanoseconds.
const jobColumns = `seq, id, campaign_id, workflow_id, node_id, instance_id, type, status,
	data, error_message, attempt, parent_id,
	scheduled_at, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (seqJob, error) {
	var (
		j           api.Job
		seq         int64
		status      string
		data        string
		scheduledAt int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := r.Scan(&seq, &j.ID, &j.CampaignID, &j.WorkflowID, &j.NodeID, &j.InstanceID, &j.Type, &status,
		&data, &j.ErrorMessage, &j.Attempt, &j.ParentID,
		&scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return seqJob{}, err
	}
	decoded, err := decodeData(data)
	if err != nil {
		return seqJob{}, err
	}
	j.Status = api.JobStatus(status)
	j.Data = decoded
	j.ScheduledAt = fromNanos(scheduledAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return seqJob{seq: seq, job: &j}, nil
}

func scanJobs(rows *sql.Rows) ([]seqJob, error) {
	defer rows.Close()
	var out []seqJob
	for rows.Next() {
		sj, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sj)
	}
	return out, rows.Err()
}

// listQuery builds the WHERE clause for f. placeholder renders the n-th
// (1-based) bind parameter for the dialect.
func listQuery(table string, f Filter, placeholder func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if f.CampaignID != "" {
		add("campaign_id = ?", f.CampaignID)
	}
	if f.InstanceID != "" {
		add("instance_id = ?", f.InstanceID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			args = append(args, string(s))
			ph[i] = placeholder(len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}

	q := "SELECT " + jobColumns + " FROM " + table
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + placeholder(len(args))
	}
	return q, args
}
