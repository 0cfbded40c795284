package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// AgentRegistrar is the slice of the agent registry discovery writes to.
type AgentRegistrar interface {
	UpsertDiscovered(ctx context.Context, candidate *registry.Agent, seenAt time.Time) (*registry.Agent, bool, error)
}

// SourceResult reports the outcome of one source scan.
type SourceResult struct {
	Source string `json:"source"`
	Found  int    `json:"found"`
	Error  string `json:"error,omitempty"`
}

// Summary reports one ScanAll run.
type Summary struct {
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Discovered int            `json:"discovered"`
	Registered int            `json:"registered"`
	Refreshed  int            `json:"refreshed"`
	Sources    []SourceResult `json:"sources"`
	Errors     []string       `json:"errors,omitempty"`
	Aborted    bool           `json:"aborted,omitempty"`
}

// Service runs the configured scanners and registers what they find.
type Service struct {
	registrar AgentRegistrar
	scanners  []Scanner
	tenant    string
	workers   int
	clock     clock.PassiveClock
	logger    *slog.Logger

	mu   sync.RWMutex
	last *Summary
}

// NewService creates a discovery Service.
func NewService(registrar AgentRegistrar, scanners []Scanner, tenant string, workers int, clk clock.PassiveClock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if workers < 1 {
		workers = 1
	}
	if tenant == "" {
		tenant = "default"
	}
	return &Service{registrar: registrar, scanners: scanners, tenant: tenant, workers: workers, clock: clk, logger: logger}
}

// ScanAll scans every source concurrently and upserts the union of their
// candidates. A failing source is recorded in the summary and never stops
// the others. New agents are registered quarantined; known agents only
// have their discovery time refreshed.
func (s *Service) ScanAll(ctx context.Context) (*Summary, error) {
	sum := &Summary{StartedAt: s.clock.Now().UTC(), Sources: make([]SourceResult, len(s.scanners))}
	found := make([][]Candidate, len(s.scanners))

	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i, sc := range s.scanners {
		g.Go(func() error {
			res := SourceResult{Source: sc.Name()}
			cands, err := sc.Scan(ctx)
			if err != nil {
				res.Error = err.Error()
				s.logger.Error("discovery source failed", "source", sc.Name(), "error", err)
			} else {
				res.Found = len(cands)
				found[i] = cands
			}
			sum.Sources[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range sum.Sources {
		if r.Error != "" {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %s", r.Source, r.Error))
		}
	}

	seen := make(map[string]bool)
	seenAt := s.clock.Now().UTC()
	for _, cands := range found {
		for _, c := range cands {
			if seen[c.ExternalID] {
				continue
			}
			seen[c.ExternalID] = true
			if ctx.Err() != nil {
				sum.Aborted = true
				break
			}
			sum.Discovered++
			agent, inserted, err := s.registrar.UpsertDiscovered(ctx, toAgent(c, s.tenant), seenAt)
			if err != nil {
				s.logger.Error("registering discovered agent failed", "externalID", c.ExternalID, "source", c.Source, "error", err)
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", c.ExternalID, err))
				continue
			}
			if inserted {
				sum.Registered++
				s.logger.Info("new agent quarantined pending review", "agentID", agent.ID, "externalID", c.ExternalID, "source", c.Source)
			} else {
				sum.Refreshed++
			}
		}
	}

	sum.FinishedAt = s.clock.Now().UTC()
	s.mu.Lock()
	s.last = sum
	s.mu.Unlock()

	s.logger.Info("discovery scan finished",
		"sources", len(s.scanners), "discovered", sum.Discovered,
		"registered", sum.Registered, "refreshed", sum.Refreshed, "errors", len(sum.Errors))
	if sum.Aborted {
		return sum, ctx.Err()
	}
	return sum, nil
}

// LastSummary returns the most recent scan summary, or nil.
func (s *Service) LastSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func toAgent(c Candidate, tenant string) *registry.Agent {
	meta := registry.JSONAny{}
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return &registry.Agent{
		Tenant:       tenant,
		ExternalID:   c.ExternalID,
		Name:         c.Name,
		Type:         c.Type,
		Vendor:       c.Vendor,
		Model:        c.Model,
		Region:       c.Region,
		Capabilities: registry.JSONStringSlice(c.Capabilities),
		Metadata:     meta,
		Source:       c.Source,
	}
}
