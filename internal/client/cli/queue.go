package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List changes waiting to be pushed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, runPending)
		},
	}
}

func runPending(ctx context.Context, a *app) error {
	pending, err := a.store.ListPending(ctx)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, pending)
	}
	if len(pending) == 0 {
		a.io.Println("No pending changes")
		return nil
	}

	rows := make([][]string, 0, len(pending))
	for _, p := range pending {
		rows = append(rows, []string{
			fmt.Sprint(p.Seq),
			p.Change.ChangeID,
			string(p.Change.EntityKind),
			p.Change.EntityID,
			string(p.Change.Operation),
			fmt.Sprint(p.Attempts),
			truncate(p.LastError, 40),
		})
	}
	return printTable(a.io, []string{"SEQ", "CHANGE", "KIND", "ENTITY", "OP", "ATTEMPTS", "LAST ERROR"}, rows)
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List changes the server rejected because its copy was newer",
		Long: `List changes the server rejected because its copy was newer.

Resolve each one with 'fleetsync resolve <change-id> --strategy keep-server|overwrite'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, runConflicts)
		},
	}
}

func runConflicts(ctx context.Context, a *app) error {
	conflicts, err := a.store.ListConflicts(ctx)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, conflicts)
	}
	if len(conflicts) == 0 {
		a.io.Println("No conflicts")
		return nil
	}

	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		serverVersion, serverUpdated := "-", "-"
		if c.ServerSnapshot != nil {
			serverVersion = fmt.Sprint(c.ServerSnapshot.Version)
			serverUpdated = formatTime(c.ServerSnapshot.UpdatedAt)
		}
		rows = append(rows, []string{
			c.Change.ChangeID,
			string(c.Change.EntityKind),
			c.Change.EntityID,
			string(c.Change.Operation),
			formatVersion(c.Change.Version),
			serverVersion,
			serverUpdated,
		})
	}
	return printTable(a.io, []string{"CHANGE", "KIND", "ENTITY", "OP", "LOCAL VERSION", "SERVER VERSION", "SERVER UPDATED"}, rows)
}

// NewFailedCommand creates the failed command.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List changes the server rejected and will not retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, runFailed)
		},
	}
}

func runFailed(ctx context.Context, a *app) error {
	failed, err := a.store.ListFailed(ctx)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, failed)
	}
	if len(failed) == 0 {
		a.io.Println("No failed changes")
		return nil
	}

	rows := make([][]string, 0, len(failed))
	for _, f := range failed {
		rows = append(rows, []string{
			f.Change.ChangeID,
			string(f.Change.EntityKind),
			f.Change.EntityID,
			string(f.Change.Operation),
			f.ErrorCode,
			truncate(f.Error, 60),
		})
	}
	return printTable(a.io, []string{"CHANGE", "KIND", "ENTITY", "OP", "CODE", "ERROR"}, rows)
}
