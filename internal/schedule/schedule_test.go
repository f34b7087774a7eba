package schedule

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) (*Scheduler, queuestore.Store, statusstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Schedule.Repo = "example/nightly"
	cfg.Schedule.Branch = "main"

	queue := queuestore.NewMemStore()
	status := statusstore.NewRedisStore(client)
	log, _ := zap.NewDevelopment()
	return New(cfg, queue, status, log), queue, status
}

func TestEnqueueProducesPendingJobForConfiguredRepo(t *testing.T) {
	s, queue, status := newTestScheduler(t)
	ctx := context.Background()

	if err := queue.EnsureGroup(ctx, s.cfg.Queue.Stream, s.cfg.Queue.Group, "0"); err != nil {
		t.Fatal(err)
	}

	j, err := s.enqueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j.Repo != "example/nightly" || j.Branch != "main" {
		t.Fatalf("unexpected job: %+v", j)
	}

	lag, err := queue.Lag(ctx, s.cfg.Queue.Stream, s.cfg.Queue.Group)
	if err != nil {
		t.Fatal(err)
	}
	if lag != 1 {
		t.Fatalf("expected the scheduled job to be appended to the queue, got lag %d", lag)
	}

	m, err := status.HashGetAll(ctx, statusstore.JobKey(j.ID))
	if err != nil {
		t.Fatal(err)
	}
	if m["repo"] != "example/nightly" {
		t.Fatalf("expected persisted job hash, got %+v", m)
	}
}

func TestStartIsNoopWhenDisabled(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.cfg.Schedule.Enabled = false

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("expected no error when schedule is disabled, got %v", err)
	}
}
