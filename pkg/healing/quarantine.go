package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// ErrNotQuarantined is returned by Release for an agent without an active
// quarantine.
var ErrNotQuarantined = errors.New("agent has no active quarantine")

// releaseRetryDelay is how long a failed release waits before retrying.
const releaseRetryDelay = 30 * time.Second

// AgentStatusStore reads agents and changes their status.
type AgentStatusStore interface {
	Get(ctx context.Context, id string) (*registry.Agent, error)
	SetStatus(ctx context.Context, id string, to registry.AgentStatus, reason string, at time.Time) (registry.AgentStatus, error)
}

type expiry struct {
	timer    clock.Timer
	gen      uint64
	recordID string
}

// Quarantiner quarantines agents for a fixed duration. Each agent holds at
// most one pending expiry: quarantining again replaces the timer and moves
// the record's expiry instead of stacking a second one. Release restores
// the status the agent had before the quarantine, exactly once.
type Quarantiner struct {
	agents AgentStatusStore
	store  *Store
	clock  clock.WithDelayedExecution
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*expiry
	gen     uint64
	stopped bool
}

// NewQuarantiner creates a Quarantiner.
func NewQuarantiner(agents AgentStatusStore, store *Store, clk clock.WithDelayedExecution, logger *slog.Logger) *Quarantiner {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Quarantiner{
		agents: agents,
		store:  store,
		clock:  clk,
		logger: logger,
		timers: make(map[string]*expiry),
	}
}

// Quarantine quarantines an agent for d. If the agent already has an
// active quarantine its expiry is reset to now+d.
func (q *Quarantiner) Quarantine(ctx context.Context, agentID, reason string, d time.Duration) (*QuarantineRecord, error) {
	if d <= 0 {
		return nil, fmt.Errorf("quarantine duration must be positive, got %s", d)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UTC()
	rec, err := q.store.ActiveQuarantine(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		expires := now.Add(d)
		if err := q.store.ExtendQuarantine(ctx, rec.ID, reason, d, expires); err != nil {
			return nil, err
		}
		rec.Reason, rec.DurationSeconds, rec.ExpiresAt = reason, int64(d/time.Second), expires
		q.schedule(agentID, rec.ID, d)
		q.logger.Info("agent quarantine extended", "agentID", agentID, "expiresAt", expires)
		return rec, nil
	}

	agent, err := q.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}
	prior := agent.Status
	if prior != registry.StatusQuarantined {
		if _, err := q.agents.SetStatus(ctx, agentID, registry.StatusQuarantined, reason, now); err != nil {
			return nil, err
		}
	}
	rec = &QuarantineRecord{
		AgentID:         agentID,
		Reason:          reason,
		PriorStatus:     prior,
		DurationSeconds: int64(d / time.Second),
		QuarantinedAt:   now,
		ExpiresAt:       now.Add(d),
	}
	if err := q.store.CreateQuarantine(ctx, rec); err != nil {
		return nil, err
	}
	q.schedule(agentID, rec.ID, d)
	q.logger.Info("agent quarantined", "agentID", agentID, "reason", reason,
		"duration", d.String(), "priorStatus", prior)
	return rec, nil
}

// Release ends an agent's active quarantine now.
func (q *Quarantiner) Release(ctx context.Context, agentID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancel(agentID)
	rec, err := q.store.ActiveQuarantine(ctx, agentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotQuarantined
	}
	return q.releaseLocked(ctx, rec, reason)
}

// Restore re-arms the timers of quarantines persisted by a previous process
// and releases the ones that expired while it was down.
func (q *Quarantiner) Restore(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.store.ActiveQuarantines(ctx)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	var errs []error
	for i := range recs {
		rec := &recs[i]
		if remaining := rec.ExpiresAt.Sub(now); remaining > 0 {
			q.schedule(rec.AgentID, rec.ID, remaining)
			continue
		}
		if err := q.releaseLocked(ctx, rec, "expired"); err != nil {
			errs = append(errs, err)
		}
	}
	q.logger.Info("quarantine timers restored", "active", len(q.timers))
	return errors.Join(errs...)
}

// Pending returns the number of armed expiry timers.
func (q *Quarantiner) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Stop disarms every timer. Persisted quarantines are re-armed by Restore.
func (q *Quarantiner) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for id := range q.timers {
		q.cancel(id)
	}
}

// schedule replaces the agent's timer. Must be called with q.mu held.
func (q *Quarantiner) schedule(agentID, recordID string, d time.Duration) {
	q.cancel(agentID)
	q.gen++
	gen := q.gen
	// The callback may run while the clock holds its own lock, so it only
	// hands off to a goroutine.
	t := q.clock.AfterFunc(d, func() { go q.expire(agentID, gen) })
	q.timers[agentID] = &expiry{timer: t, gen: gen, recordID: recordID}
}

// cancel stops the agent's timer. Must be called with q.mu held.
func (q *Quarantiner) cancel(agentID string) {
	if e, ok := q.timers[agentID]; ok {
		e.timer.Stop()
		delete(q.timers, agentID)
	}
}

func (q *Quarantiner) expire(agentID string, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.timers[agentID]
	if !ok || e.gen != gen || q.stopped {
		return
	}
	delete(q.timers, agentID)

	ctx := context.Background()
	rec, err := q.store.ActiveQuarantine(ctx, agentID)
	if err != nil {
		q.logger.Error("quarantine expiry lookup failed", "agentID", agentID, "error", err)
		return
	}
	if rec == nil || rec.ID != e.recordID {
		return
	}
	if err := q.releaseLocked(ctx, rec, "expired"); err != nil {
		q.logger.Error("quarantine release failed", "agentID", agentID, "error", err)
	}
}

// releaseLocked restores the prior status before marking the record
// released, so a failed restore leaves the quarantine active and retried.
// Open incidents are resolved so the next cycle re-detects issues that
// outlived the quarantine. Must be called with q.mu held.
func (q *Quarantiner) releaseLocked(ctx context.Context, rec *QuarantineRecord, reason string) error {
	now := q.clock.Now().UTC()
	agent, err := q.agents.Get(ctx, rec.AgentID)
	if err != nil {
		q.retryLocked(rec)
		return err
	}
	if agent != nil && rec.PriorStatus != registry.StatusQuarantined {
		_, err := q.agents.SetStatus(ctx, rec.AgentID, rec.PriorStatus, "quarantine released: "+reason, now)
		var te *registry.TransitionError
		switch {
		case errors.As(err, &te):
			// Moved out of quarantine by an operator; nothing to restore.
			q.logger.Warn("quarantine release skipped status restore", "agentID", rec.AgentID, "error", err)
		case err != nil:
			q.retryLocked(rec)
			return fmt.Errorf("restore agent %s to %s: %w", rec.AgentID, rec.PriorStatus, err)
		}
	}
	released, err := q.store.ReleaseQuarantine(ctx, rec.ID, reason, now)
	if err != nil {
		q.retryLocked(rec)
		return err
	}
	if !released {
		return nil
	}
	if _, err := q.store.ResolveMissing(ctx, rec.AgentID, nil, now); err != nil {
		q.logger.Error("resolve incidents on release failed", "agentID", rec.AgentID, "error", err)
	}
	q.logger.Info("agent quarantine released", "agentID", rec.AgentID, "reason", reason,
		"restoredStatus", rec.PriorStatus)
	return nil
}

func (q *Quarantiner) retryLocked(rec *QuarantineRecord) {
	if q.stopped {
		return
	}
	q.schedule(rec.AgentID, rec.ID, releaseRetryDelay)
}
