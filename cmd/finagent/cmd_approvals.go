package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/pkg/types"
)

func newApprovalsCmd(opts *options, getenv envFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide approval requests",
	}

	var agentName string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, getenv, func(ctx context.Context, a *app) error {
				reqs, err := a.store.ListApprovals(ctx, ledger.ApprovalFilter{Agent: agentName, Status: types.ApprovalPending})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), reqs)
			})
		},
	}
	list.Flags().StringVar(&agentName, "agent", "", "only this agent's requests")

	var (
		approve, reject bool
		by, reason      string
	)
	decide := &cobra.Command{
		Use:   "decide <approval_id>",
		Short: "Approve or reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}
			return withApp(cmd, opts, getenv, func(ctx context.Context, a *app) error {
				req, err := a.store.DecideApproval(ctx, ledger.ApprovalDecision{
					ID:       args[0],
					Approved: approve,
					By:       by,
					Reason:   reason,
					At:       time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), req)
			})
		},
	}
	decide.Flags().BoolVar(&approve, "approve", false, "approve the request")
	decide.Flags().BoolVar(&reject, "reject", false, "reject the request")
	decide.Flags().StringVar(&by, "by", "", "who decided")
	decide.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = decide.MarkFlagRequired("by")

	cmd.AddCommand(list, decide)
	return cmd
}
