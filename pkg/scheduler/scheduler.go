// Package scheduler runs the periodic discovery, healing, trust, audit and
// maintenance cycles. Each cycle has its own ticker and never overlaps
// itself; different cycles run concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

// Cycle names.
const (
	CycleDiscovery   = "discovery"
	CycleHealing     = "healing"
	CycleTrust       = "trust"
	CycleAudit       = "audit"
	CycleMaintenance = "maintenance"
)

// Trigger values recorded on spans and logs.
const (
	TriggerStart  = "start"
	TriggerTick   = "tick"
	TriggerManual = "manual"
)

var (
	// ErrUnknownCycle is returned by RunNow for an unregistered name.
	ErrUnknownCycle = errors.New("unknown cycle")
	// ErrDuplicateCycle is returned by Register for a name already in use.
	ErrDuplicateCycle = errors.New("cycle already registered")
)

// Cycle is one periodic job.
type Cycle struct {
	Name string
	// Interval is read when the loop starts and after every run, so a
	// reloaded configuration takes effect at the next tick.
	Interval   func() time.Duration
	Run        func(ctx context.Context) error
	RunOnStart bool
}

// Observer receives run outcomes, typically for metrics.
type Observer interface {
	CycleFinished(name string, d time.Duration, err error)
	CycleSkipped(name string)
}

// CycleStatus describes the last run of a cycle.
type CycleStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Running    bool          `json:"running"`
	Runs       int           `json:"runs"`
	Skipped    int           `json:"skipped"`
	LastStart  *time.Time    `json:"lastStart,omitempty"`
	LastFinish *time.Time    `json:"lastFinish,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
}

type cycleState struct {
	Cycle
	run sync.Mutex

	mu     sync.Mutex
	status CycleStatus
}

// Supervisor owns the registered cycles.
type Supervisor struct {
	clock    clock.WithTicker
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger

	mu     sync.RWMutex
	cycles map[string]*cycleState
}

// New creates a Supervisor. observer may be nil.
func New(clk clock.WithTicker, observer Observer, logger *slog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		clock:    clk,
		observer: observer,
		tracer:   otel.Tracer("github.com/kubeflow/agent-trust/pkg/scheduler"),
		logger:   logger,
		cycles:   map[string]*cycleState{},
	}
}

// Register adds a cycle. It must be called before Run.
func (s *Supervisor) Register(c Cycle) error {
	if c.Name == "" || c.Run == nil || c.Interval == nil {
		return fmt.Errorf("register cycle %q: name, interval and run are required", c.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[c.Name]; ok {
		return fmt.Errorf("register cycle %q: %w", c.Name, ErrDuplicateCycle)
	}
	s.cycles[c.Name] = &cycleState{Cycle: c, status: CycleStatus{Name: c.Name}}
	return nil
}

// Run starts every cycle loop and blocks until ctx is cancelled and every
// in-flight run has returned.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.RLock()
	cycles := make([]*cycleState, 0, len(s.cycles))
	for _, c := range s.cycles {
		cycles = append(cycles, c)
	}
	s.mu.RUnlock()

	s.logger.Info("scheduler started", "cycles", len(cycles))
	var wg sync.WaitGroup
	for _, c := range cycles {
		wg.Add(1)
		go func(c *cycleState) {
			defer wg.Done()
			s.loop(ctx, c)
		}(c)
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Supervisor) loop(ctx context.Context, c *cycleState) {
	interval := c.Interval()
	ticker := s.clock.NewTicker(interval)
	defer func() { ticker.Stop() }()

	if c.RunOnStart {
		s.execute(ctx, c, TriggerStart)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.execute(ctx, c, TriggerTick)
			if next := c.Interval(); next != interval && next > 0 {
				s.logger.Info("cycle interval changed", "cycle", c.Name, "from", interval.String(), "to", next.String())
				ticker.Stop()
				interval = next
				ticker = s.clock.NewTicker(interval)
			}
		}
	}
}

// RunNow runs the named cycle immediately in the caller's goroutine. ran is
// false when the cycle was already running; the request is then dropped,
// not queued.
func (s *Supervisor) RunNow(ctx context.Context, name string) (ran bool, err error) {
	s.mu.RLock()
	c, ok := s.cycles[name]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownCycle, name)
	}
	ran, err = s.execute(ctx, c, TriggerManual)
	return ran, err
}

// execute performs one run unless one is already in progress. Run errors
// and panics are recorded and logged; they never stop the loop.
func (s *Supervisor) execute(ctx context.Context, c *cycleState, trigger string) (ran bool, err error) {
	if !c.run.TryLock() {
		c.mu.Lock()
		c.status.Skipped++
		c.mu.Unlock()
		s.logger.Warn("cycle still running, skipping", "cycle", c.Name, "trigger", trigger)
		if s.observer != nil {
			s.observer.CycleSkipped(c.Name)
		}
		return false, nil
	}
	defer c.run.Unlock()

	start := s.clock.Now()
	c.mu.Lock()
	c.status.Running = true
	c.status.LastStart = &start
	c.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "cycle."+c.Name, trace.WithAttributes(
		attribute.String("cycle.name", c.Name),
		attribute.String("cycle.trigger", trigger),
	))
	err = s.safeRun(ctx, c)
	d := s.clock.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("cycle failed", "cycle", c.Name, "trigger", trigger, "duration", d.String(), "error", err)
	} else {
		s.logger.Debug("cycle completed", "cycle", c.Name, "trigger", trigger, "duration", d.String())
	}
	span.End()

	finish := s.clock.Now()
	c.mu.Lock()
	c.status.Running = false
	c.status.Runs++
	c.status.LastFinish = &finish
	c.status.LastError = ""
	if err != nil {
		c.status.LastError = err.Error()
	}
	c.mu.Unlock()

	if s.observer != nil {
		s.observer.CycleFinished(c.Name, d, err)
	}
	return true, err
}

func (s *Supervisor) safeRun(ctx context.Context, c *cycleState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle %s panicked: %v", c.Name, r)
		}
	}()
	return c.Run(ctx)
}

// Status returns the state of every cycle ordered by name.
func (s *Supervisor) Status() []CycleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CycleStatus, 0, len(s.cycles))
	for _, c := range s.cycles {
		c.mu.Lock()
		st := c.status
		c.mu.Unlock()
		st.Interval = c.Interval()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
