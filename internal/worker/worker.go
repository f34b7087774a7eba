// Copyright 2025 James Ross
// Package worker implements the Worker Consumer (spec §4.6): one process,
// one agent_id, a single-threaded reservation loop over the Queue Store
// guarded by a circuit breaker. Grounded on the teacher's worker.go (same
// New/Run/runOne shape, circuit-breaker-gated loop, backoff helper),
// rewritten from a BRPOPLPUSH list loop onto XREADGROUP reservation and
// terminal-status computation via the Build Pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/coldforge/ci-controlplane/internal/breaker"
	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/pipeline"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// statusRecord mirrors the job:{id}:status JSON shape (spec §6).
type statusRecord struct {
	Status    job.Status `json:"status"`
	AgentID   string     `json:"agent_id,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	Message   string     `json:"message,omitempty"`
}

// Worker runs the reservation loop for a single agent_id.
type Worker struct {
	cfg     *config.Config
	queue   queuestore.Store
	status  statusstore.Store
	runner  *pipeline.Runner
	log     *zap.Logger
	cb      *breaker.CircuitBreaker
	agentID string
}

func New(cfg *config.Config, queue queuestore.Store, status statusstore.Store, runner *pipeline.Runner, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	agentID := fmt.Sprintf("%s-%d", host, os.Getpid())
	return &Worker{cfg: cfg, queue: queue, status: status, runner: runner, log: log, cb: cb, agentID: agentID}
}

// Run creates the consumer group then enters the reservation loop until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx, w.cfg.Queue.Stream, w.cfg.Queue.Group, "0"); err != nil {
		return fmt.Errorf("worker: ensure_group: %w", err)
	}

	obs.WorkerActive.Inc()
	defer obs.WorkerActive.Dec()

	retries := 0
	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(w.cfg.Worker.Backoff.Base)
			continue
		}

		entries, err := w.queue.Reserve(ctx, w.cfg.Queue.Stream, w.cfg.Queue.Group, w.agentID, int64(w.cfg.Worker.Concurrency), w.cfg.Queue.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.cb.Record(false)
			retries++
			w.log.Warn("reserve error", obs.Err(err), obs.Int("retries", retries))
			sleepBackoff(ctx, retries, w.cfg.Worker.Backoff.Base, w.cfg.Worker.Backoff.Max)
			continue
		}
		w.cb.Record(true)
		retries = 0

		// The reservation batch is sized by worker.concurrency (spec §4.6);
		// run every reserved entry's pipeline concurrently rather than
		// draining the batch one job at a time.
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range entries {
			e := e
			g.Go(func() error {
				w.processEntry(gctx, e)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

func (w *Worker) processEntry(ctx context.Context, e queuestore.Entry) {
	obs.JobsReserved.Inc()
	start := time.Now()
	defer func() { obs.JobProcessingDuration.Observe(time.Since(start).Seconds()) }()

	payload, ok := e.Fields["payload"]
	if !ok {
		w.writeStatus(ctx, "", job.StatusFailed, "parse error: missing payload field")
		w.ack(ctx, e.ID)
		return
	}

	j, err := job.Unmarshal(payload)
	if err != nil {
		// Parse failures are not retried (spec §4.6 step 2a): ack immediately.
		w.writeStatus(ctx, "", job.StatusFailed, fmt.Sprintf("parse error: %v", err))
		w.ack(ctx, e.ID)
		return
	}

	w.writeStatus(ctx, j.ID, job.StatusRunning, "")

	result := w.runner.Run(ctx, j)

	var terminal job.Status
	var message string
	switch result.Outcome {
	case pipeline.OutcomeSuccess:
		terminal = job.StatusSuccess
	case pipeline.OutcomeCancelled:
		terminal = job.StatusCancelled
		message = result.Message
	default:
		terminal = job.StatusFailed
		message = result.Message
	}

	var exitCode *int
	if len(result.Steps) > 0 {
		exitCode = result.Steps[len(result.Steps)-1].ExitCode
	}

	finishedAt := time.Now()
	j.Finish(terminal, finishedAt, exitCode, w.agentID)
	w.writeTerminal(ctx, j, message)

	switch terminal {
	case job.StatusSuccess:
		obs.JobsSucceeded.Inc()
	case job.StatusFailed:
		obs.JobsFailed.Inc()
	case job.StatusCancelled:
		obs.JobsCancelled.Inc()
	}

	// Spec §4.6 step 4 / §9 open question: the worker acks after any
	// terminal write, including failed ones not caused by the job itself.
	// This trades potential job loss for liveness rather than risking a
	// permanent redelivery loop; a future design may move to a dead-letter
	// stream after N attempts instead.
	w.ack(ctx, e.ID)
}

func (w *Worker) writeStatus(ctx context.Context, jobID string, status job.Status, message string) {
	rec := statusRecord{Status: status, AgentID: w.agentID, UpdatedAt: time.Now().UTC(), Message: message}
	b, err := json.Marshal(rec)
	if err != nil {
		w.log.Error("marshal status record failed", obs.Err(err))
		return
	}
	if jobID == "" {
		return
	}
	if err := w.status.Set(ctx, statusstore.StatusKey(jobID), string(b), statusstore.StatusTTL); err != nil {
		w.log.Error("write status failed", obs.Err(err), obs.String("job_id", jobID))
	}
	if err := w.status.HashSet(ctx, statusstore.JobKey(jobID), "status", string(status), statusstore.JobTTL); err != nil {
		w.log.Error("write job hash status failed", obs.Err(err), obs.String("job_id", jobID))
	}
}

func (w *Worker) writeTerminal(ctx context.Context, j job.Job, message string) {
	w.writeStatus(ctx, j.ID, j.Status, message)

	key := statusstore.JobKey(j.ID)
	fields := map[string]string{
		"status":      string(j.Status),
		"finished_at": j.FinishedAt.UTC().Format(time.RFC3339Nano),
		"agent_id":    j.AgentID,
	}
	if j.DurationMS != nil {
		fields["duration"] = fmt.Sprintf("%d", *j.DurationMS)
	}
	if j.ExitCode != nil {
		fields["exit_code"] = fmt.Sprintf("%d", *j.ExitCode)
	}
	for field, value := range fields {
		if err := w.status.HashSet(ctx, key, field, value, statusstore.JobTTL); err != nil {
			w.log.Error("write job hash field failed", obs.Err(err), obs.String("job_id", j.ID), obs.String("field", field))
		}
	}

	w.log.Info("job reached terminal status",
		obs.String("job_id", j.ID),
		obs.String("status", string(j.Status)),
		obs.String("agent_id", j.AgentID),
	)
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.queue.Ack(ctx, w.cfg.Queue.Stream, w.cfg.Queue.Group, entryID); err != nil {
		w.log.Error("ack failed", obs.Err(err), obs.String("entry_id", entryID))
	}
}

// sleepBackoff waits with jittered exponential backoff (base..max, spec §7)
// or returns early if ctx is cancelled.
func sleepBackoff(ctx context.Context, attempt int, base, max time.Duration) {
	d := backoff(attempt, base, max)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func backoff(retries int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(retries-1)) * base
	if d > max || d < 0 {
		d = max
	}
	// Jitter: sleep a random duration between d/2 and d.
	if half := int64(d / 2); half > 0 {
		d = time.Duration(half + rand.Int63n(half+1))
	}
	return d
}
