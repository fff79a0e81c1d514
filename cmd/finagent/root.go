package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

func newRootCmd(getenv envFn) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "finagent",
		Short:         "Financial agent orchestrator",
		Long:          "finagent routes accounting events to the reconciliation, coding, cashflow,\nRDTI and board pack agents, and runs their scheduled jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to finagent config file (env FINAGENT_CONFIG_PATH)")
	flags.StringVar(&opts.policyPath, "policy", "", "path to the policy file (env FINAGENT_POLICY_PATH)")
	flags.StringVar(&opts.sourcesPath, "sources", "", "JSON snapshot of invoices, bills, accounts and transactions")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newPolicyCmd(),
		newProcessCmd(&opts, getenv),
		newDailyCmd(&opts, getenv),
		newMonthlyCmd(&opts, getenv),
		newQuarterlyCmd(&opts, getenv),
		newApprovalsCmd(&opts, getenv),
		newWorkerCmd(&opts, getenv),
	)
	return cmd
}

// withApp builds the app for one command invocation and closes it afterwards.
func withApp(cmd *cobra.Command, opts *options, getenv envFn, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, *opts, getenv, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
