package audit

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/require"
)

func seedEntries(t *testing.T, f *fixture, ages ...time.Duration) {
	t.Helper()
	for _, age := range ages {
		_, err := f.ledger.Record(context.Background(), Entry{Kind: KindViolation, Message: "m", RecordedAt: now.Add(-age)})
		require.NoError(t, err)
	}
}

func countEntries(t *testing.T, f *fixture) func() int {
	return func() int {
		recs, err := f.store.List(context.Background(), EntryFilter{})
		require.NoError(t, err)
		return len(recs)
	}
}

func TestRetentionCleanup(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	seedEntries(t, f, 91*24*time.Hour, 89*24*time.Hour, time.Hour)

	w := NewRetentionWorker(f.store, 90, f.clock, nil)
	g.Expect(w.Cleanup(context.Background())).To(BeEquivalentTo(1))
	g.Expect(countEntries(t, f)()).To(Equal(2))

	n, err := f.trail.Verify()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(3), "the trail file is never pruned")
}

func TestRetentionWorkerRunsDaily(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	seedEntries(t, f, 89*24*time.Hour+12*time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRetentionWorker(f.store, 90, f.clock, nil).Run(ctx)
		close(done)
	}()
	g.Eventually(f.clock.HasWaiters).Should(BeTrue())

	f.clock.Step(24 * time.Hour)
	g.Eventually(countEntries(t, f)).WithTimeout(2 * time.Second).Should(Equal(1))

	cancel()
	g.Eventually(done).Should(BeClosed())
}

func TestRetentionWorkerDisabled(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	done := make(chan struct{})
	go func() {
		NewRetentionWorker(nil, 90, f.clock, nil).Run(context.Background())
		close(done)
	}()
	g.Eventually(done).Should(BeClosed(), "a worker without a store returns immediately")
}
