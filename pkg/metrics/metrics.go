// Package metrics exposes the service's Prometheus collectors. Every
// collector is registered on a dedicated registry so tests and embedded
// servers never collide on the global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubeflow/agent-trust/pkg/audit"
	"github.com/kubeflow/agent-trust/pkg/healing"
	"github.com/kubeflow/agent-trust/pkg/trust"
)

const namespace = "trustd"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	kpi            *prometheus.GaugeVec
	kpiComputedAt  prometheus.Gauge
	eventsTotal    *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	cycleSkipped   *prometheus.CounterVec
	healingIssues  prometheus.Counter
	incidents      *prometheus.CounterVec
	actions        *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	auditScore     prometheus.Gauge
	auditControls  *prometheus.GaugeVec
	auditWritesErr prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		kpi: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kpi",
			Help:      "Fleet KPIs from the last successful trust refresh.",
		}, []string{"name"}),
		kpiComputedAt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kpi_computed_timestamp_seconds",
			Help:      "Unix time of the last successful trust refresh.",
		}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Ingested events by source and outcome.",
		}, []string{"source", "outcome"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scheduled cycle runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~160s
		}, []string{"cycle", "result"}),
		cycleSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_skipped_total",
			Help:      "Cycle runs skipped because the previous run was still in progress.",
		}, []string{"cycle"}),
		healingIssues: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "healing",
			Name:      "issues_detected_total",
			Help:      "Issues detected by healing cycles.",
		}),
		incidents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "healing",
			Name:      "incidents_total",
			Help:      "Healing incidents by transition.",
		}, []string{"transition"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "healing",
			Name:      "actions_total",
			Help:      "Remediation actions by status.",
		}, []string{"status"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations delivered by origin.",
		}, []string{"origin"}),
		auditScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "overall_score",
			Help:      "Compliance score of the last audit.",
		}),
		auditControls: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "controls",
			Help:      "Controls of the last audit by status.",
		}, []string{"status"}),
		auditWritesErr: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "run_errors_total",
			Help:      "Non-fatal errors recorded by audit runs.",
		}),
	}
}

// Registry returns the dedicated registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveIngest counts one ingest outcome.
func (m *Metrics) ObserveIngest(source, outcome string) {
	m.eventsTotal.WithLabelValues(source, outcome).Inc()
}

// CycleFinished records the duration of a scheduled run.
func (m *Metrics) CycleFinished(name string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.cycleDuration.WithLabelValues(name, result).Observe(d.Seconds())
}

// CycleSkipped counts a run dropped because the cycle was busy.
func (m *Metrics) CycleSkipped(name string) {
	m.cycleSkipped.WithLabelValues(name).Inc()
}

// SetKPIs publishes a fresh KPI snapshot.
func (m *Metrics) SetKPIs(k trust.KPIs) {
	m.kpi.WithLabelValues("trust_score").Set(k.TrustScore)
	m.kpi.WithLabelValues("risk_avoided_usd").Set(k.RiskAvoidedUSD)
	m.kpi.WithLabelValues("sync_freshness_pct").Set(k.SyncFreshnessPct)
	m.kpi.WithLabelValues("drift_rate_pct").Set(k.DriftRatePct)
	m.kpi.WithLabelValues("compliance_sla_pct").Set(k.ComplianceSLAPct)
	m.kpi.WithLabelValues("uptime_pct").Set(k.UptimePct)
	m.kpi.WithLabelValues("policy_adherence_pct").Set(k.PolicyAdherencePct)
	m.kpi.WithLabelValues("active_agents").Set(float64(k.ActiveAgents))
	m.kpi.WithLabelValues("low_confidence_agents").Set(float64(k.LowConfidenceAgents))
	m.kpiComputedAt.Set(float64(k.ComputedAt.Unix()))
}

// ObserveHealing adds the counts of a finished healing cycle.
func (m *Metrics) ObserveHealing(s healing.CycleSummary) {
	m.healingIssues.Add(float64(s.IssuesDetected))
	m.incidents.WithLabelValues("opened").Add(float64(s.IncidentsOpened))
	m.incidents.WithLabelValues("resolved").Add(float64(s.IncidentsResolved))
	m.actions.WithLabelValues("success").Add(float64(s.ActionsSucceeded))
	m.actions.WithLabelValues("failed").Add(float64(s.ActionsFailed))
	m.escalations.WithLabelValues("healing").Add(float64(s.Escalations))
}

// ObserveAudit publishes the result of an audit run.
func (m *Metrics) ObserveAudit(s *audit.Summary) {
	m.auditScore.Set(s.OverallScore)
	m.auditControls.WithLabelValues(string(audit.StatusPass)).Set(float64(s.Passed))
	m.auditControls.WithLabelValues(string(audit.StatusFail)).Set(float64(s.Failed))
	m.auditControls.WithLabelValues(string(audit.StatusWarning)).Set(float64(s.Warnings))
	m.auditControls.WithLabelValues(string(audit.StatusNotApplicable)).Set(float64(s.NotApplicable))
	m.auditWritesErr.Add(float64(len(s.Errors)))
	if s.Escalated {
		m.escalations.WithLabelValues("audit").Inc()
	}
}
