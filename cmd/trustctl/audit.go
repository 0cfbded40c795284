package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubeflow/agent-trust/pkg/audit"
)

func newAuditCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with the signed audit trail",
	}
	cmd.AddCommand(newAuditVerifyCmd(opts))
	return cmd
}

func newAuditVerifyCmd(opts *globalOptions) *cobra.Command {
	var (
		key    string
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "verify [trail.jsonl]",
		Short: "Verify signatures and chaining of an audit trail",
		Long: `Verify an audit trail file offline with the signing key, or ask the
server to verify its own trail with --remote.

The key defaults to TRUST_AUDIT_SIGNING_KEY, the variable trustd reads.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if remote {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if remote {
				v, err := opts.client().VerifyTrail(cmd.Context())
				if err != nil {
					return err
				}
				if !v.Valid {
					return fmt.Errorf("audit trail invalid at line %d after %d entries: %s", v.Line, v.Entries, v.Error)
				}
				fmt.Fprintf(out, "OK: %d entries verified by server\n", v.Entries)
				return nil
			}

			if key == "" {
				return errors.New("a signing key is required (--key or TRUST_AUDIT_SIGNING_KEY)")
			}
			n, err := audit.VerifyTrailFile(args[0], []byte(key))
			if err != nil {
				var te *audit.TrailError
				if errors.As(err, &te) {
					return fmt.Errorf("%s: line %d failed after %d valid entries: %w", args[0], te.Line, n, te.Err)
				}
				return err
			}
			fmt.Fprintf(out, "OK: %d entries verified in %s\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", os.Getenv("TRUST_AUDIT_SIGNING_KEY"), "Audit signing key")
	cmd.Flags().BoolVar(&remote, "remote", false, "Verify the server's trail instead of a local file")
	return cmd
}
