package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubeflow/agent-trust/pkg/events"
)

func newSignCmd() *cobra.Command {
	var (
		secret string
		header bool
	)

	cmd := &cobra.Command{
		Use:   "sign <payload-file>",
		Short: "Compute the webhook signature of a payload",
		Long: `Print the hex HMAC-SHA256 signature trustd expects in the X-Signature
header of a webhook delivery. Use "-" to read the payload from stdin.

The secret defaults to TRUST_WEBHOOK_SECRET, the variable trustd reads.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("a webhook secret is required (--secret or TRUST_WEBHOOK_SECRET)")
			}
			var (
				body []byte
				err  error
			)
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			sig := events.Sign([]byte(secret), body)
			if header {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s%s\n", events.HeaderSignature, events.SignaturePrefix, sig)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("TRUST_WEBHOOK_SECRET"), "Webhook shared secret")
	cmd.Flags().BoolVar(&header, "header", false, "Print a complete header line")
	return cmd
}
