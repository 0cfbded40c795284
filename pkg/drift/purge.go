package drift

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/config"
)

// PurgeWorker periodically deletes gaps older than the configured TTL.
type PurgeWorker struct {
	store    *GapStore
	cfg      func() config.SyncConfig
	interval time.Duration
	clock    clock.WithTicker
	logger   *slog.Logger
}

// NewPurgeWorker creates a PurgeWorker running every interval (hourly when
// zero).
func NewPurgeWorker(store *GapStore, cfg func() config.SyncConfig, interval time.Duration, clk clock.WithTicker, logger *slog.Logger) *PurgeWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeWorker{store: store, cfg: cfg, interval: interval, clock: clk, logger: logger}
}

// Run purges on every tick until ctx is cancelled.
func (w *PurgeWorker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Info("sync gap purge worker disabled")
		return
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("sync gap purge worker started",
		"ttl", w.cfg().GapTTL.String(),
		"interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync gap purge worker stopped")
			return
		case <-ticker.C():
			w.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce performs a single purge pass and returns the number of deleted
// gaps.
func (w *PurgeWorker) PurgeOnce(ctx context.Context) int64 {
	ttl := w.cfg().GapTTL
	if ttl <= 0 {
		return 0
	}
	cutoff := w.clock.Now().UTC().Add(-ttl)
	deleted, err := w.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("sync gap purge failed", "error", err)
		return 0
	}
	if deleted > 0 {
		w.logger.Info("sync gap purge completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
