package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubeflow/agent-trust/pkg/client"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server    string
	output    string
	namespace string
	user      string
	groups    []string
	role      string
	token     string
	timeout   time.Duration
	retries   uint64
}

func (o *globalOptions) client() *client.Client {
	opts := []client.Option{
		client.WithTimeout(o.timeout),
		client.WithMaxRetries(o.retries),
		client.WithIdentity(o.user, o.groups, o.role),
	}
	if o.namespace != "" {
		opts = append(opts, client.WithNamespace(o.namespace))
	}
	if o.token != "" {
		opts = append(opts, client.WithToken(o.token))
	}
	return client.New(o.server, opts...)
}

func (o *globalOptions) format() (outputFormat, error) {
	return parseOutputFormat(o.output)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "trustctl",
		Short: "CLI for the agent trust service",
		Long: `trustctl queries a running trustd: fleet trust KPIs, registered agents,
compliance reports and the signed audit trail.

It also verifies trail files offline and signs webhook payloads.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOrDefault("TRUSTCTL_SERVER", client.DefaultBaseURL), "trustd URL")
	flags.StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")
	flags.StringVarP(&opts.namespace, "namespace", "n", os.Getenv("TRUSTCTL_NAMESPACE"), "Tenant for multi-tenant servers")
	flags.StringVar(&opts.user, "user", envOrDefault("USER", "trustctl"), "Caller name sent as X-Remote-User")
	flags.StringSliceVar(&opts.groups, "group", nil, "Caller groups sent as X-Remote-Group")
	flags.StringVar(&opts.role, "role", "", "Caller role sent as X-User-Role (viewer, operator)")
	flags.StringVar(&opts.token, "token", os.Getenv("TRUSTCTL_TOKEN"), "Bearer token for jwt auth")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Per-request timeout")
	flags.Uint64Var(&opts.retries, "retries", 3, "Retries of rate-limited and server-side failures")

	cmd.AddCommand(newKPIsCmd(opts))
	cmd.AddCommand(newRefreshCmd(opts))
	cmd.AddCommand(newAgentsCmd(opts))
	cmd.AddCommand(newReportCmd(opts))
	cmd.AddCommand(newAuditCmd(opts))
	cmd.AddCommand(newSignCmd())

	return cmd
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
