package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// BenchResult summarizes a synthetic load run: how long it took to enqueue
// and drain count jobs, and end-to-end latency percentiles.
type BenchResult struct {
	Count      int           `json:"count" yaml:"count"`
	Completed  int           `json:"completed" yaml:"completed"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec" yaml:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency" yaml:"p50_latency"`
	P95        time.Duration `json:"p95_latency" yaml:"p95_latency"`
}

// Bench enqueues count synthetic jobs at up to ratePerSec, then polls the
// Status Store until every job reaches a terminal status or timeout
// elapses, reporting completion latency percentiles. Grounded on the
// teacher's Bench (enqueue-then-poll-completed-list), with the rate
// limiting adapted from the teacher's producer.go fixed-window limiter,
// rewritten onto golang.org/x/time/rate instead of a hand-rolled
// INCR+EXPIRE window.
func Bench(ctx context.Context, cfg *config.Config, queue queuestore.Store, status statusstore.Store, count int, ratePerSec int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("admin: bench count must be > 0")
	}
	if ratePerSec <= 0 {
		ratePerSec = 100
	}

	limiter := rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)

	ids := make([]string, 0, count)
	startedAt := make(map[string]time.Time, count)

	start := time.Now()
	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}

		id := uuid.NewString()
		now := time.Now()
		j := job.New(id, "bench/synthetic", "main", fmt.Sprintf("bench-%d", i), now)

		if err := status.HashSet(ctx, statusstore.JobKey(id), "status", string(job.StatusPending), statusstore.JobTTL); err != nil {
			return res, fmt.Errorf("admin: bench persist job hash: %w", err)
		}
		payload, err := j.Marshal()
		if err != nil {
			return res, fmt.Errorf("admin: bench marshal job: %w", err)
		}
		if _, err := queue.Append(ctx, cfg.Queue.Stream, map[string]string{"payload": payload}); err != nil {
			return res, fmt.Errorf("admin: bench append: %w", err)
		}

		ids = append(ids, id)
		startedAt[id] = now
	}

	latencies := make([]time.Duration, 0, count)
	deadline := time.Now().Add(timeout)
	remaining := map[string]bool{}
	for _, id := range ids {
		remaining[id] = true
	}

	for len(remaining) > 0 && time.Now().Before(deadline) {
		for id := range remaining {
			m, err := status.HashGetAll(ctx, statusstore.JobKey(id))
			if err != nil {
				continue
			}
			s := job.Status(m["status"])
			if !s.Terminal() {
				continue
			}
			latencies = append(latencies, time.Since(startedAt[id]))
			delete(remaining, id)
		}
		if len(remaining) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	res.Duration = time.Since(start)
	res.Completed = len(latencies)
	if res.Duration > 0 {
		res.Throughput = float64(res.Completed) / res.Duration.Seconds()
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, k int) bool { return latencies[i] < latencies[k] })
		res.P50 = latencies[int(math.Round(0.50*float64(len(latencies)-1)))]
		res.P95 = latencies[int(math.Round(0.95*float64(len(latencies)-1)))]
	}
	return res, nil
}
