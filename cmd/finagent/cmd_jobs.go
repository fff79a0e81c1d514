package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidahmann/finagent/internal/orchestrator"
)

type jobRunner func(o *orchestrator.Orchestrator, ctx context.Context, jc orchestrator.JobContext) orchestrator.JobReport

func runJobCmd(cmd *cobra.Command, opts *options, getenv envFn, jc orchestrator.JobContext, date string, run jobRunner) error {
	if date != "" {
		d, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return err
		}
		jc.Date = d
	}
	return withApp(cmd, opts, getenv, func(ctx context.Context, a *app) error {
		report := run(a.orch, ctx, jc)
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		return report.Err()
	})
}

func newDailyCmd(opts *options, getenv envFn) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Run the daily job: forecast, compliance check, reconciliation summary and AR reminders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobCmd(cmd, opts, getenv, orchestrator.JobContext{}, date, (*orchestrator.Orchestrator).HandleDailyJob)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "run date YYYY-MM-DD (default today)")
	return cmd
}

func newMonthlyCmd(opts *options, getenv envFn) *cobra.Command {
	var period, date string
	cmd := &cobra.Command{
		Use:   "monthly",
		Short: "Generate the board pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobCmd(cmd, opts, getenv, orchestrator.JobContext{Period: period}, date, (*orchestrator.Orchestrator).HandleMonthlyJob)
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "month YYYY-MM (default previous month)")
	cmd.Flags().StringVar(&date, "date", "", "run date YYYY-MM-DD (default today)")
	return cmd
}

func newQuarterlyCmd(opts *options, getenv envFn) *cobra.Command {
	var quarter, date string
	cmd := &cobra.Command{
		Use:   "quarterly",
		Short: "Build the RDTI quarterly report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobCmd(cmd, opts, getenv, orchestrator.JobContext{Quarter: quarter}, date, (*orchestrator.Orchestrator).HandleQuarterlyJob)
		},
	}
	cmd.Flags().StringVar(&quarter, "quarter", "", "quarter YYYY-Qn (default previous quarter)")
	cmd.Flags().StringVar(&date, "date", "", "run date YYYY-MM-DD (default today)")
	return cmd
}
