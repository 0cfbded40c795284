package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReportCmd(opts *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the newest compliance report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "markdown" && format != "json" {
				return fmt.Errorf("unsupported report format %q (supported: markdown, json)", format)
			}
			body, err := opts.client().Report(cmd.Context(), format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "markdown", "Report format: markdown or json")
	return cmd
}
