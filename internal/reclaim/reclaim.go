// Package reclaim runs the background loop that satisfies the Queue Store's
// at-least-once redelivery guarantee: an entry reserved and never acked
// becomes eligible for redelivery to another consumer after an
// implementation-defined idle timeout (spec §4.1). Grounded on the teacher's
// reaper (heartbeat + processing-list scan loop), rewritten against stream
// pending-entry reclaim instead of list scanning.
//
// Claiming a pending entry under Redis Streams reassigns it to a specific
// consumer name but does not make it visible again to reserve()'s
// cursor=">" (never-delivered) semantics. To hand a stale entry back to
// whichever worker reserves next, the reclaimer takes ownership, appends a
// fresh copy of the same fields to the stream, and acks the original —
// the entry gets a new id and rejoins the undelivered tail exactly like the
// teacher's reaper re-LPUSHing an abandoned job back onto its queue.
package reclaim

import (
	"context"
	"time"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"go.uber.org/zap"
)

// Reclaimer periodically claims pending entries idle longer than the
// configured reclaim timeout and resubmits them to the stream.
type Reclaimer struct {
	store    queuestore.Store
	cfg      *config.Config
	log      *zap.Logger
	consumer string
}

func New(store queuestore.Store, cfg *config.Config, log *zap.Logger) *Reclaimer {
	return &Reclaimer{store: store, cfg: cfg, log: log, consumer: "reclaimer"}
}

// Run polls on the configured interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Queue.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reclaimer) scanOnce(ctx context.Context) {
	entries, err := r.store.Reclaim(ctx, r.cfg.Queue.Stream, r.cfg.Queue.Group, r.consumer, r.cfg.Queue.ReclaimMinIdle, r.cfg.Queue.ReclaimCount)
	if err != nil {
		r.log.Warn("reclaim scan error", obs.Err(err))
		return
	}
	for _, e := range entries {
		if _, err := r.store.Append(ctx, r.cfg.Queue.Stream, e.Fields); err != nil {
			r.log.Error("resubmit after reclaim failed", obs.Err(err), obs.String("entry_id", e.ID))
			continue
		}
		if err := r.store.Ack(ctx, r.cfg.Queue.Stream, r.cfg.Queue.Group, e.ID); err != nil {
			r.log.Error("ack after resubmit failed", obs.Err(err), obs.String("entry_id", e.ID))
			continue
		}
		obs.ReclaimedEntries.Inc()
		r.log.Warn("reclaimed and resubmitted idle entry", obs.String("entry_id", e.ID), obs.String("stream", r.cfg.Queue.Stream))
	}
}
