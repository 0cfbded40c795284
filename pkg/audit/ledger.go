package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Ledger writes entries to the signed trail and mirrors them into the
// database. The trail write is authoritative; a mirror failure is logged
// and dropped.
type Ledger struct {
	trail  *TrailWriter
	store  *EntryStore
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewLedger creates a Ledger. store may be nil to disable the mirror.
func NewLedger(trail *TrailWriter, store *EntryStore, clk clock.PassiveClock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{trail: trail, store: store, clock: clk, logger: logger}
}

// Record assigns IDs and timestamps where missing, then appends entries in
// order. It returns the signed entries.
func (l *Ledger) Record(ctx context.Context, entries ...Entry) ([]Entry, error) {
	now := l.clock.Now().UTC()
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		if entries[i].RecordedAt.IsZero() {
			entries[i].RecordedAt = now
		}
	}
	signed, err := l.trail.Append(entries...)
	if err != nil {
		return nil, err
	}
	if l.store != nil {
		for _, e := range signed {
			if err := l.store.Append(ctx, e); err != nil {
				l.logger.Warn("audit mirror write dropped", "entryID", e.ID, "error", err)
			}
		}
	}
	return signed, nil
}
