// Package schedule implements the optional cron-triggered enqueue: on a
// configured schedule, produce a pending Job for a fixed repo/branch the
// same way the Intake surface does for a direct trigger. No teacher
// equivalent exists; the dependency (robfig/cron/v3) was already present
// in the teacher's go.mod but unused anywhere in its tree, so this gives
// it a home rather than dropping it.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wraps a cron.Cron driving one fixed-repo enqueue on the
// configured expression.
type Scheduler struct {
	cfg    *config.Config
	queue  queuestore.Store
	status statusstore.Store
	log    *zap.Logger
	cron   *cron.Cron
}

func New(cfg *config.Config, queue queuestore.Store, status statusstore.Store, log *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, queue: queue, status: status, log: log, cron: cron.New()}
}

// Start registers the configured cron expression and begins running it in
// the background. A no-op if schedule.enabled is false.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Schedule.Enabled {
		return nil
	}
	_, err := s.cron.AddFunc(s.cfg.Schedule.Cron, func() {
		if _, err := s.enqueue(ctx); err != nil {
			s.log.Error("scheduled enqueue failed", obs.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", s.cfg.Schedule.Cron, err)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	c := s.cron.Stop()
	select {
	case <-c.Done():
	case <-ctx.Done():
	}
}

// enqueue produces a pending Job for the configured repo/branch, identical
// in shape to intake.Handler.enqueue.
func (s *Scheduler) enqueue(ctx context.Context) (job.Job, error) {
	j := job.New(uuid.NewString(), s.cfg.Schedule.Repo, s.cfg.Schedule.Branch, "", time.Now())

	fields := map[string]string{
		"id":         j.ID,
		"repo":       j.Repo,
		"branch":     j.Branch,
		"commit":     j.Commit,
		"status":     string(j.Status),
		"started_at": j.StartedAt.Format(time.RFC3339Nano),
	}
	for field, value := range fields {
		if err := s.status.HashSet(ctx, statusstore.JobKey(j.ID), field, value, statusstore.JobTTL); err != nil {
			return job.Job{}, fmt.Errorf("schedule: persist job hash field %s: %w", field, err)
		}
	}

	payload, err := j.Marshal()
	if err != nil {
		return job.Job{}, fmt.Errorf("schedule: marshal job: %w", err)
	}
	if _, err := s.queue.Append(ctx, s.cfg.Queue.Stream, map[string]string{"payload": payload}); err != nil {
		return job.Job{}, fmt.Errorf("schedule: append to queue: %w", err)
	}
	obs.JobsEnqueued.Inc()
	s.log.Info("scheduled job enqueued", obs.String("job_id", j.ID), obs.String("repo", j.Repo), obs.String("branch", j.Branch))
	return j, nil
}
