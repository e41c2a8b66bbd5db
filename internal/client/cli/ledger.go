package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/fleetsync/internal/client/api"
	"github.com/iudanet/fleetsync/internal/models"
)

// LedgerOptions holds flags for the ledger command.
type LedgerOptions struct {
	*RootOptions
	Status     string
	Limit      int
	AllDevices bool
}

// NewLedgerCommand creates the ledger command.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the server's sync ledger for this user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Status != "" && !models.LedgerStatus(opts.Status).Valid() {
				return fmt.Errorf("invalid --status %q", opts.Status)
			}
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runLedger(ctx, a, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|completed|failed|conflict)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum entries")
	cmd.Flags().BoolVar(&opts.AllDevices, "all-devices", false, "include entries from the user's other devices")

	return cmd
}

func runLedger(ctx context.Context, a *app, opts *LedgerOptions) error {
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}

	query := api.LedgerQuery{Status: opts.Status, Limit: opts.Limit}
	if !opts.AllDevices {
		if query.DeviceID, err = a.store.GetDeviceID(ctx); err != nil {
			return err
		}
	}

	resp, err := a.api.Ledger(ctx, sess.AccessToken, query)
	if err != nil {
		return serverError(err)
	}

	if a.jsonOutput() {
		return printJSON(a.io, resp.Entries)
	}
	if len(resp.Entries) == 0 {
		a.io.Println("No ledger entries")
		return nil
	}

	rows := make([][]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		detail := e.ErrorCode
		if e.Metadata.DuplicateOf != "" {
			detail = "duplicate"
		}
		rows = append(rows, []string{
			formatTime(e.CreatedAt),
			e.ChangeID,
			e.EntityKind,
			e.EntityID,
			e.Operation,
			e.Status,
			detail,
		})
	}
	return printTable(a.io, []string{"CREATED", "CHANGE", "KIND", "ENTITY", "OP", "STATUS", "DETAIL"}, rows)
}
