package reclaim

import (
	"context"
	"testing"
	"time"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"go.uber.org/zap"
)

func TestScanOnceResubmitsStaleEntries(t *testing.T) {
	store := queuestore.NewMemStore()
	ctx := context.Background()

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Queue.ReclaimMinIdle = 0
	cfg.Queue.ReclaimCount = 10

	if err := store.EnsureGroup(ctx, cfg.Queue.Stream, cfg.Queue.Group, "0"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, cfg.Queue.Stream, map[string]string{"payload": "job1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Reserve(ctx, cfg.Queue.Stream, cfg.Queue.Group, "dead-worker", 10, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	pendingBefore, err := store.Pending(ctx, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		t.Fatal(err)
	}
	if pendingBefore != 1 {
		t.Fatalf("expected 1 pending entry before reclaim, got %d", pendingBefore)
	}

	log, _ := zap.NewDevelopment()
	r := New(store, cfg, log)
	r.scanOnce(ctx)

	pendingAfter, err := store.Pending(ctx, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		t.Fatal(err)
	}
	if pendingAfter != 0 {
		t.Fatalf("expected the stale entry acked after reclaim, got %d pending", pendingAfter)
	}

	delivered, err := store.Reserve(ctx, cfg.Queue.Stream, cfg.Queue.Group, "live-worker", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 || delivered[0].Fields["payload"] != "job1" {
		t.Fatalf("expected the resubmitted entry to be deliverable again, got %+v", delivered)
	}
}
