package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/finagent/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect policy documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <policy_path>",
		Short: "Validate a policy file and print its version and hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok version=%d policy_hash=%s\n", loaded.Policy.Version, loaded.Hash)
			return nil
		},
	})
	return cmd
}
