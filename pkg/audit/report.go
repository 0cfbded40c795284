package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ToJSON renders the summary as indented JSON.
func (s *Summary) ToJSON() ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render audit report: %w", err)
	}
	return b, nil
}

// ToMarkdown renders the executive report.
func (s *Summary) ToMarkdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Agent Trust Compliance Report\n\n")
	fmt.Fprintf(&b, "Generated %s (audit `%s`)\n\n", s.GeneratedAt.UTC().Format(time.RFC3339), s.ID)

	fmt.Fprintf(&b, "## Executive Summary\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Compliance score | %.1f%% |\n", s.OverallScore)
	fmt.Fprintf(&b, "| Controls | %d passed, %d failed, %d warnings, %d n/a |\n",
		s.Passed, s.Failed, s.Warnings, s.NotApplicable)
	fmt.Fprintf(&b, "| Trust score | %.1f |\n", s.KPIs.TrustScore)
	fmt.Fprintf(&b, "| Risk avoided | $%s |\n", humanize.CommafWithDigits(s.KPIs.RiskAvoidedUSD, 2))
	fmt.Fprintf(&b, "| Sync freshness | %.1f%% |\n", s.KPIs.SyncFreshnessPct)
	fmt.Fprintf(&b, "| Drift rate | %.1f%% |\n", s.KPIs.DriftRatePct)
	fmt.Fprintf(&b, "| Compliance SLA | %.1f%% |\n", s.KPIs.ComplianceSLAPct)
	fmt.Fprintf(&b, "| Active agents | %s |\n", humanize.Comma(int64(s.KPIs.ActiveAgents)))
	if s.KPIs.ComputedAt == nil {
		fmt.Fprintf(&b, "\n_KPIs have not been computed yet._\n")
	}

	fmt.Fprintf(&b, "\n## Top Violations\n\n")
	if len(s.TopViolations) == 0 {
		fmt.Fprintf(&b, "None.\n")
	}
	for _, v := range s.TopViolations {
		fmt.Fprintf(&b, "- **%s** [%s, %s, %s]: %s\n", v.Name, v.Status, v.Category, v.Severity, v.Message)
	}

	fmt.Fprintf(&b, "\n## Recommendations\n\n")
	if len(s.Recommendations) == 0 {
		fmt.Fprintf(&b, "None.\n")
	}
	for i, r := range s.Recommendations {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}

	fmt.Fprintf(&b, "\n## Controls\n\n")
	fmt.Fprintf(&b, "| Control | Category | Severity | Status | Detail |\n|---|---|---|---|---|\n")
	for _, c := range s.Checks {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", c.ID, c.Category, c.Severity, c.Status, escapeCell(c.Message))
	}

	fmt.Fprintf(&b, "\n## Agents\n\n")
	if len(s.Agents) == 0 {
		fmt.Fprintf(&b, "No agents registered.\n")
	} else {
		fmt.Fprintf(&b, "| Agent | Status | Trust | Compliant | Violations |\n|---|---|---|---|---|\n")
		for _, a := range s.Agents {
			compliant := "yes"
			if !a.Compliant {
				compliant = "no"
			}
			fmt.Fprintf(&b, "| %s | %s | %.1f | %s | %s |\n", escapeCell(a.Name), a.Status,
				a.TrustLevel*100, compliant, escapeCell(strings.Join(a.Violations, "; ")))
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintf(&b, "\n## Errors\n\n")
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
