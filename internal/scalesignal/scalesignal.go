// Package scalesignal exposes the Scale Signal (spec §4.8): a non-negative,
// lag-monotone integer an external autoscaler polls to size the worker
// pool. Grounded on the teacher's queue-length gauge sampler
// (obs.StartQueueLengthUpdater), rewritten against the Queue Store's
// pending+lag accounting instead of per-priority LLEN polling.
package scalesignal

import (
	"context"
	"time"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"go.uber.org/zap"
)

// Signal computes the current queue lag on demand: pending entries plus
// entries never delivered to the worker group.
func Signal(ctx context.Context, store queuestore.Store, cfg *config.Config) (int64, error) {
	pending, err := store.Pending(ctx, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		return 0, err
	}
	lag, err := store.Lag(ctx, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		return 0, err
	}
	return pending + lag, nil
}

// StartSampler periodically recomputes Signal and publishes it to the
// queue_lag gauge for scrape-based autoscalers, mirroring the teacher's
// ticker-driven gauge updater.
func StartSampler(ctx context.Context, store queuestore.Store, cfg *config.Config, log *zap.Logger) {
	interval := cfg.Observability.QueueSampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lag, err := Signal(ctx, store, cfg)
				if err != nil {
					log.Debug("scale signal sample error", obs.Err(err))
					continue
				}
				obs.QueueLag.Set(float64(lag))
			}
		}
	}()
}
