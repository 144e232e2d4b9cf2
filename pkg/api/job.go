package api

import "time"

// JobStatus is the lifecycle state of a persisted job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a durable, at-least-once unit of work for one node instance.
type Job struct {
	ID         string
	CampaignID string
	WorkflowID string

	// NodeID is the node type, InstanceID the node instance to run.
	NodeID     string
	InstanceID string

	Type         string
	Status       JobStatus
	Data         any
	ErrorMessage string

	// Attempt is 1 for the first run; retries and re-runs increment it and
	// point ParentID at the job they replace.
	Attempt  int
	ParentID string

	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Due reports whether the job is eligible to run at now.
func (j *Job) Due(now time.Time) bool {
	return j.Status == JobPending && !j.ScheduledAt.After(now)
}

// ApplyStatus performs a status transition on j in memory. Every queue
// backend follows the same rules: started_at is set only on the first
// transition into running, completed_at is set on terminal statuses and
// cleared otherwise, and the error message is replaced.
func (j *Job) ApplyStatus(status JobStatus, errMsg string, now time.Time) {
	j.Status = status
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	if status == JobRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if status.IsTerminal() {
		t := now
		j.CompletedAt = &t
	} else {
		j.CompletedAt = nil
	}
}

// Clone returns a shallow copy with independent timestamp pointers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
