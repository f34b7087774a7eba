// Copyright 2025 James Ross
// Package admin implements ops CLI support for the control plane: queue
// depth/backlog stats and a raw peek at the most recent queue entries.
// Grounded on the teacher's admin.go Stats/Peek shape, rewritten from
// LLEN/LRANGE over priority lists onto the Queue Store's Pending/Lag/Peek
// and the Status Store's job-record scan.
package admin

import (
	"context"
	"fmt"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
)

// StatsResult summarizes the current backlog and job status breakdown.
type StatsResult struct {
	Stream          string           `json:"stream" yaml:"stream"`
	Group           string           `json:"group" yaml:"group"`
	Pending         int64            `json:"pending" yaml:"pending"`
	Lag             int64            `json:"lag" yaml:"lag"`
	JobsByStatus    map[string]int64 `json:"jobs_by_status" yaml:"jobs_by_status"`
	TotalJobRecords int64            `json:"total_job_records" yaml:"total_job_records"`
}

// Stats reports the Queue Store backlog and a breakdown of job records by
// status, the streams-and-hash-scan equivalent of the teacher's Stats
// (which summed LLEN across priority lists and processing lists).
func Stats(ctx context.Context, cfg *config.Config, queue queuestore.Store, status statusstore.Store) (StatsResult, error) {
	res := StatsResult{
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		JobsByStatus: map[string]int64{},
	}

	pending, err := queue.Pending(ctx, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		return res, fmt.Errorf("admin: stats pending: %w", err)
	}
	res.Pending = pending

	lag, err := queue.Lag(ctx, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil && err != queuestore.ErrNotFound {
		return res, fmt.Errorf("admin: stats lag: %w", err)
	}
	res.Lag = lag

	err = status.Scan(ctx, statusstore.JobScanPattern, func(key string) error {
		if !statusstore.IsJobRecordKey(key) {
			return nil
		}
		m, err := status.HashGetAll(ctx, key)
		if err != nil {
			return err
		}
		s := m["status"]
		if s == "" {
			s = string(job.StatusPending)
		}
		res.JobsByStatus[s]++
		res.TotalJobRecords++
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("admin: stats scan: %w", err)
	}

	return res, nil
}

// PeekResult is the most recent entries on the queue stream, for operator
// inspection without affecting delivery state.
type PeekResult struct {
	Stream  string         `json:"stream" yaml:"stream"`
	Entries []PeekedEntry `json:"entries" yaml:"entries"`
}

type PeekedEntry struct {
	ID      string `json:"id" yaml:"id"`
	Repo    string `json:"repo" yaml:"repo"`
	Branch  string `json:"branch" yaml:"branch"`
	Commit  string `json:"commit" yaml:"commit"`
	JobID   string `json:"job_id" yaml:"job_id"`
}

// Peek returns up to n of the most recently appended queue entries,
// unmarshaling each job payload for a readable summary, matching the
// teacher's LRANGE(-n,-1) queue peek adapted to the Queue Store's Peek.
func Peek(ctx context.Context, cfg *config.Config, queue queuestore.Store, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	entries, err := queue.Peek(ctx, cfg.Queue.Stream, n)
	if err != nil {
		return PeekResult{}, fmt.Errorf("admin: peek: %w", err)
	}

	res := PeekResult{Stream: cfg.Queue.Stream, Entries: make([]PeekedEntry, 0, len(entries))}
	for _, e := range entries {
		entry := PeekedEntry{ID: e.ID}
		if payload, ok := e.Fields["payload"]; ok {
			if j, err := job.Unmarshal(payload); err == nil {
				entry.JobID = j.ID
				entry.Repo = j.Repo
				entry.Branch = j.Branch
				entry.Commit = j.Commit
			}
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}
