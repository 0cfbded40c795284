package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/registry"
)

// EventReader is the read side of the event store used by the analyzer.
type EventReader interface {
	RecordIDs(ctx context.Context, source string, since time.Time) ([]string, error)
	LastEventAt(ctx context.Context, source string) (*time.Time, error)
	CountSince(ctx context.Context, source string, since time.Time) (int64, error)
	OrderingInversions(ctx context.Context, source string, since time.Time) (int, error)
}

// WorkflowLister lists workflows for staleness checks.
type WorkflowLister interface {
	List(ctx context.Context, tenant string) ([]registry.Workflow, error)
}

// Analyzer detects sync gaps and computes fleet freshness.
type Analyzer struct {
	events    EventReader
	workflows WorkflowLister
	gaps      *GapStore
	cfg       func() config.SyncConfig
	clock     clock.PassiveClock
	logger    *slog.Logger

	mu   sync.RWMutex
	last *SyncReport
}

// NewAnalyzer creates an Analyzer. cfg is read on every pass so reloaded
// thresholds apply to the next analysis.
func NewAnalyzer(events EventReader, workflows WorkflowLister, gaps *GapStore, cfg func() config.SyncConfig, clk clock.PassiveClock, logger *slog.Logger) *Analyzer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{events: events, workflows: workflows, gaps: gaps, cfg: cfg, clock: clk, logger: logger}
}

// Analyze compares sourceID against targetID and persists the gaps found.
// A gap already recorded within the sync window is returned but not
// duplicated.
func (a *Analyzer) Analyze(ctx context.Context, sourceID, targetID string) ([]SyncGap, error) {
	cfg := a.cfg()
	now := a.clock.Now().UTC()
	since := now.Add(-cfg.Window)

	var found []SyncGap

	srcIDs, err := a.events.RecordIDs(ctx, sourceID, since)
	if err != nil {
		return nil, err
	}
	tgtIDs, err := a.events.RecordIDs(ctx, targetID, since)
	if err != nil {
		return nil, err
	}
	missing := mapset.NewThreadUnsafeSet(srcIDs...).Difference(mapset.NewThreadUnsafeSet(tgtIDs...))
	if n := missing.Cardinality(); n > 0 {
		sev := SeverityMedium
		if n > cfg.MissingRecordsCritical {
			sev = SeverityCritical
		}
		sample := missing.ToSlice()
		sort.Strings(sample)
		if len(sample) > 10 {
			sample = sample[:10]
		}
		found = append(found, SyncGap{
			GapType: GapMissingRecords, Severity: sev, SourceID: sourceID, TargetID: targetID,
			Details: registry.JSONAny{
				"missing_count": n,
				"source_count":  len(srcIDs),
				"target_count":  len(tgtIDs),
				"sample":        sample,
			},
		})
	}

	last, err := a.events.LastEventAt(ctx, targetID)
	if err != nil {
		return nil, err
	}
	lag := Lag(now, last)
	if IsStale(lag, cfg.StalenessThreshold) {
		found = append(found, SyncGap{
			GapType: GapStaleData, Severity: StalenessSeverity(lag, cfg.StalenessThreshold),
			SourceID: targetID, TargetID: sourceID,
			Details: registry.JSONAny{
				"staleness_hours": hoursDetail(lag),
				"threshold_hours": cfg.StalenessThreshold.Hours(),
			},
		})
	}

	inversions, err := a.events.OrderingInversions(ctx, targetID, since)
	if err != nil {
		return nil, err
	}
	if inversions > 0 {
		found = append(found, SyncGap{
			GapType: GapOrderingIssue, Severity: SeverityMedium, SourceID: targetID, TargetID: sourceID,
			Details: registry.JSONAny{"out_of_order": inversions},
		})
	}

	if expected, ok := cfg.ExpectedRates[targetID]; ok && expected > 0 {
		count, err := a.events.CountSince(ctx, targetID, since)
		if err != nil {
			return nil, err
		}
		actual := float64(count) / cfg.Window.Hours()
		pct := WebhookDriftPct(actual, expected)
		if pct > cfg.WebhookDriftRaisePct {
			sev := SeverityMedium
			if pct > cfg.WebhookDriftHighPct {
				sev = SeverityHigh
			}
			found = append(found, SyncGap{
				GapType: GapWebhookDrift, Severity: sev, SourceID: targetID, TargetID: sourceID,
				Details: registry.JSONAny{
					"actual_per_hour":   actual,
					"expected_per_hour": expected,
					"drift_pct":         pct,
				},
			})
		}
	}

	out := make([]SyncGap, 0, len(found))
	for i := range found {
		found[i].DetectedAt = now
		stored, inserted, err := a.gaps.RecordOnce(ctx, &found[i], since)
		if err != nil {
			return nil, err
		}
		if inserted {
			a.logger.Info("sync gap detected", "type", stored.GapType, "severity", stored.Severity,
				"source", stored.SourceID, "target", stored.TargetID)
		}
		out = append(out, *stored)
	}
	return out, nil
}

// FleetSync computes the staleness of every workflow, analyzes every
// configured pair and derives the fleet aggregates from the gaps persisted
// in the sync window. A failing pair is reported in Errors and does not
// abort the pass.
func (a *Analyzer) FleetSync(ctx context.Context) (*SyncReport, error) {
	cfg := a.cfg()
	now := a.clock.Now().UTC()
	since := now.Add(-cfg.Window)

	wfs, err := a.workflows.List(ctx, "")
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		GeneratedAt:    now,
		Sources:        []SourceFreshness{},
		StaleWorkflows: []SourceFreshness{},
		Gaps:           []SyncGap{},
	}
	sources := mapset.NewThreadUnsafeSet[string]()

	for _, wf := range wfs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sf := freshnessOf(wf.ExternalID, KindWorkflow, now, wf.LastEventAt, cfg.StalenessThreshold)
		sf.WorkflowID = wf.ID
		sources.Add(sf.SourceID)
		report.Sources = append(report.Sources, sf)
		if !sf.Stale {
			continue
		}
		report.StaleWorkflows = append(report.StaleWorkflows, sf)
		gap := &SyncGap{
			GapType: GapStaleData, Severity: sf.Severity, SourceID: wf.ExternalID, DetectedAt: now,
			Details: registry.JSONAny{
				"workflow_id":     wf.ID,
				"staleness_hours": hoursDetail(sf.StalenessHours),
				"threshold_hours": cfg.StalenessThreshold.Hours(),
			},
		}
		if _, _, err := a.gaps.RecordOnce(ctx, gap, since); err != nil {
			return nil, err
		}
	}

	var pairErrs []error
	// Sources whose last event could not be read stay out of the totals.
	unread := mapset.NewThreadUnsafeSet[string]()
	for _, p := range cfg.Pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, id := range []string{p.Source, p.Target} {
			if sources.Contains(id) || unread.Contains(id) {
				continue
			}
			last, err := a.events.LastEventAt(ctx, id)
			if err != nil {
				unread.Add(id)
				pairErrs = append(pairErrs, fmt.Errorf("last event of %s: %w", id, err))
				continue
			}
			sources.Add(id)
			report.Sources = append(report.Sources, freshnessOf(id, KindSource, now, last, cfg.StalenessThreshold))
		}
		if _, err := a.Analyze(ctx, p.Source, p.Target); err != nil {
			a.logger.Warn("sync pair analysis failed", "source", p.Source, "target", p.Target, "error", err)
			pairErrs = append(pairErrs, fmt.Errorf("%s -> %s: %w", p.Source, p.Target, err))
		}
	}
	for _, e := range pairErrs {
		report.Errors = append(report.Errors, e.Error())
	}

	gaps, err := a.gaps.ListSince(ctx, GapFilter{Since: since})
	if err != nil {
		return nil, err
	}
	report.Gaps = gaps
	withGaps, err := a.gaps.SourcesWithGapsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	report.TotalSources = sources.Cardinality()
	report.SourcesWithGaps = withGaps.Intersect(sources).Cardinality()
	report.SyncFreshnessPct, report.DriftRatePct = aggregate(report.Sources, report.SourcesWithGaps, report.TotalSources)

	a.mu.Lock()
	a.last = report
	a.mu.Unlock()

	if len(pairErrs) > 0 {
		a.logger.Warn("fleet sync completed with errors", "errors", errors.Join(pairErrs...))
	}
	a.logger.Info("fleet sync completed", "sources", report.TotalSources,
		"freshness_pct", report.SyncFreshnessPct, "drift_rate_pct", report.DriftRatePct)
	return report, nil
}

// LastReport returns the most recent FleetSync result, or nil.
func (a *Analyzer) LastReport() *SyncReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// aggregate returns the mean freshness and the share of sources with gaps.
// With no sources the fleet is considered fully fresh and drift-free.
func aggregate(sources []SourceFreshness, withGaps, total int) (freshnessPct, driftPct float64) {
	if len(sources) == 0 || total == 0 {
		return 100, 0
	}
	var sum float64
	for _, s := range sources {
		sum += s.FreshnessScore
	}
	return sum / float64(len(sources)), float64(withGaps) / float64(total) * 100
}

func freshnessOf(id, kind string, now time.Time, last *time.Time, threshold time.Duration) SourceFreshness {
	lag := Lag(now, last)
	sf := SourceFreshness{
		SourceID:       id,
		Kind:           kind,
		LastEventAt:    last,
		StalenessHours: lag,
		FreshnessScore: FreshnessScore(lag, threshold),
		Stale:          IsStale(lag, threshold),
	}
	if sf.Stale {
		sf.Severity = StalenessSeverity(lag, threshold)
	}
	return sf
}

// hoursDetail renders lag for the JSON details column, which cannot hold
// an infinite float.
func hoursDetail(h Hours) any {
	if h.IsInf() {
		return "Infinity"
	}
	return float64(h)
}
