package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubeflow/agent-trust/pkg/client"
)

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect registered agents",
	}
	cmd.AddCommand(newAgentsListCmd(opts))
	cmd.AddCommand(newAgentsHealthCmd(opts))
	return cmd
}

func newAgentsListCmd(opts *globalOptions) *cobra.Command {
	var filter client.ListAgentsOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			agents, err := opts.client().ListAgents(cmd.Context(), &filter)
			if err != nil {
				return err
			}
			rows := make([][]string, len(agents))
			for i, a := range agents {
				rows[i] = []string{
					a.ID,
					truncate(a.Name, 32),
					a.Status,
					fmt.Sprintf("%.2f", a.TrustLevel),
					a.Region,
					truncate(strings.Join(a.Capabilities, ","), 40),
				}
			}
			return printOutput(cmd.OutOrStdout(), format, agents,
				[]string{"ID", "Name", "Status", "Trust", "Region", "Capabilities"}, rows)
		},
	}

	cmd.Flags().StringVar(&filter.Status, "status", "", "Filter by status (active, quarantined, suspended, retired)")
	cmd.Flags().StringVar(&filter.Type, "type", "", "Filter by agent type")
	cmd.Flags().StringVar(&filter.Capability, "capability", "", "Only agents advertising this capability")
	cmd.Flags().StringVar(&filter.Region, "region", "", "Only agents in this region")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of agents (0 for all)")
	return cmd
}

func newAgentsHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health <agent>",
		Short: "Show the health view of one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			h, err := opts.client().AgentHealth(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), format, h, []string{"Agent", "Health", "Status", "Uptime"},
				[][]string{{h.AgentID, fmt.Sprint(h.HealthScore), h.Status, fmt.Sprintf("%.1f%%", h.Uptime)}})
		},
	}
}
