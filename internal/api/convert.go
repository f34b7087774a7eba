package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coldforge/ci-controlplane/internal/job"
)

// jobFromHash reconstructs a Job from its job:{id} hash fields (spec §6).
func jobFromHash(id string, m map[string]string) (job.Job, error) {
	if len(m) == 0 {
		return job.Job{}, fmt.Errorf("empty job record")
	}

	j := job.Job{
		ID:     id,
		Repo:   m["repo"],
		Branch: m["branch"],
		Commit: m["commit"],
		Status: job.Status(m["status"]),
	}

	if v := m["started_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.StartedAt = t
		}
	}
	if v := m["finished_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.FinishedAt = &t
		}
	}
	if v := m["duration"]; v != "" {
		if d, err := strconv.ParseInt(v, 10, 64); err == nil {
			j.DurationMS = &d
		}
	}
	if v := m["exit_code"]; v != "" {
		if c, err := strconv.Atoi(v); err == nil {
			j.ExitCode = &c
		}
	}
	j.AgentID = m["agent_id"]

	return j, nil
}
