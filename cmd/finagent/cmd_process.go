package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidahmann/finagent/internal/orchestrator"
)

func newProcessCmd(opts *options, getenv envFn) *cobra.Command {
	var eventType, payloadPath string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one event through the routing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}
			if _, err := orchestrator.RouteFor(eventType); err != nil {
				return err
			}
			return withApp(cmd, opts, getenv, func(ctx context.Context, a *app) error {
				id, herr := a.orch.ProcessEvent(ctx, eventType, payload)
				if id == "" {
					return herr
				}
				ev, err := a.store.GetEvent(ctx, id)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), ev); err != nil {
					return err
				}
				return herr
			})
		},
	}
	cmd.Flags().StringVarP(&eventType, "type", "t", "", "event type, e.g. xero:bank_transaction_created")
	cmd.Flags().StringVarP(&payloadPath, "payload", "p", "-", "JSON payload file, - for stdin")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func readPayload(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" || path == "" {
		data, err = io.ReadAll(stdin)
	} else {
		// #nosec G304 -- operator-provided payload path.
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}
