// Package job defines the Job data model shared by intake, the queue store,
// the worker, and the HTTP API.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is one of the DAG-ordered job statuses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status: no further transition is
// ever surfaced by the API once a job reaches one of these.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransition enumerates the allowed edges of the status DAG. pending ->
// running -> {success,failed,cancelled}, plus pending -> cancelled for a job
// cancelled before pickup; no edge leaves a terminal state.
var validTransition = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true, StatusCancelled: true},
	StatusRunning: {StatusSuccess: true, StatusFailed: true, StatusCancelled: true},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return validTransition[from][to]
}

// Job is the unit of work dispatched through the queue and tracked by the
// status store. ID is immutable once created.
type Job struct {
	ID         string     `json:"id"`
	Repo       string     `json:"repo"`
	Branch     string     `json:"branch"`
	Commit     string     `json:"commit,omitempty"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
}

// New constructs a pending Job with the given id, ready to be enqueued.
// started_at is set at intake time per spec §4.4.
func New(id, repo, branch, commit string, now time.Time) Job {
	return Job{
		ID:        id,
		Repo:      repo,
		Branch:    branch,
		Commit:    commit,
		Status:    StatusPending,
		StartedAt: now.UTC(),
	}
}

// Finish sets the terminal fields on j, enforcing that duration equals
// finished_at - started_at whenever both are defined (spec §3 invariant).
func (j *Job) Finish(status Status, finishedAt time.Time, exitCode *int, agentID string) {
	finishedAt = finishedAt.UTC()
	j.Status = status
	j.FinishedAt = &finishedAt
	d := finishedAt.Sub(j.StartedAt).Milliseconds()
	j.DurationMS = &d
	j.ExitCode = exitCode
	j.AgentID = agentID
}

// Marshal serializes j for queue/log transport.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(b), nil
}

// Unmarshal parses a Job from its serialized form.
func Unmarshal(s string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return j, nil
}
