package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kubeflow/agent-trust/pkg/client"
)

func newKPIsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kpis",
		Short: "Show the fleet trust KPIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			kpis, err := opts.client().KPIs(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), format, kpis, []string{"KPI", "Value"}, kpiRows(kpis))
		},
	}
}

func kpiRows(k *client.KPIs) [][]string {
	computed := humanize.Time(k.ComputedAt)
	if k.Stale {
		computed += " (stale)"
	}
	if k.Refreshing {
		computed += " (refreshing)"
	}
	return [][]string{
		{"trust_score", fmt.Sprintf("%.1f", k.TrustScore)},
		{"risk_avoided_usd", "$" + humanize.CommafWithDigits(k.RiskAvoidedUSD, 0)},
		{"sync_freshness_pct", fmt.Sprintf("%.1f", k.SyncFreshnessPct)},
		{"drift_rate_pct", fmt.Sprintf("%.1f", k.DriftRatePct)},
		{"compliance_sla_pct", fmt.Sprintf("%.1f", k.ComplianceSLAPct)},
		{"active_agents", fmt.Sprintf("%d (%d scored, %d low confidence)", k.ActiveAgents, k.AgentsScored, k.LowConfidenceAgents)},
		{"computed", computed},
	}
}

func newRefreshCmd(opts *globalOptions) *cobra.Command {
	var (
		wait         bool
		waitTimeout  time.Duration
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Request an out-of-cycle trust refresh",
		Long: `Queue a trust refresh job. Requests for a tenant that already has a
queued or running refresh return the existing job.

With --wait the command polls the job until it finishes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			c := opts.client()
			res, err := c.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			if !wait {
				return printOutput(cmd.OutOrStdout(), format, res, []string{"Job", "Status", "Deduplicated"},
					[][]string{{res.JobID, res.Status, fmt.Sprint(res.Deduplicated)}})
			}

			job, err := waitForJob(cmd.Context(), c, res.JobID, waitTimeout, pollInterval)
			if err != nil {
				return err
			}
			if err := printOutput(cmd.OutOrStdout(), format, job, []string{"Job", "State", "Attempts", "Message"},
				[][]string{{job.ID, job.State, fmt.Sprint(job.AttemptCount), truncate(job.Message, 60)}}); err != nil {
				return err
			}
			if job.State != "succeeded" {
				return fmt.Errorf("refresh job %s %s: %s", job.ID, job.State, job.LastError)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the refresh job to finish")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 5*time.Minute, "Give up waiting after this long")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "Job polling interval")
	return cmd
}

func waitForJob(ctx context.Context, c *client.Client, id string, timeout, interval time.Duration) (*client.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for job %s (last state %s): %w", id, job.State, ctx.Err())
		case <-ticker.C:
		}
	}
}
