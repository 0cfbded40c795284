package audit

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// RetentionWorker periodically prunes the database mirror. The trail file
// is kept in full.
type RetentionWorker struct {
	store     *EntryStore
	retention time.Duration
	interval  time.Duration
	clock     clock.WithTicker
	logger    *slog.Logger
}

// NewRetentionWorker creates a new RetentionWorker.
// retentionDays controls how many days of entries to keep.
// The worker runs daily.
func NewRetentionWorker(store *EntryStore, retentionDays int, clk clock.WithTicker, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RetentionWorker{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		clock:     clk,
		logger:    logger,
	}
}

// Run starts the retention worker. It runs until the context is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.retention <= 0 {
		w.logger.Info("audit retention worker disabled",
			"hasStore", w.store != nil,
			"retentionDays", int(w.retention.Hours()/24))
		return
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("audit retention worker started",
		"retentionDays", int(w.retention.Hours()/24),
		"interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("audit retention worker stopped")
			return
		case <-ticker.C():
			w.Cleanup(ctx)
		}
	}
}

// Cleanup performs a single retention pass and returns the number of
// mirrored entries removed.
func (w *RetentionWorker) Cleanup(ctx context.Context) int64 {
	cutoff := w.clock.Now().Add(-w.retention)
	deleted, err := w.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("audit retention cleanup failed", "error", err)
		return 0
	}
	if deleted > 0 {
		w.logger.Info("audit retention cleanup completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
