package cli

import (
	"context"

	"github.com/spf13/cobra"

	clientsync "github.com/iudanet/fleetsync/internal/client/sync"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Strategy string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <change-id>",
		Short: "Resolve a conflict",
		Long: `Resolve a conflict.

  keep-server  drop the local change and keep the server copy
  overwrite    queue the local payload again as a new change`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runResolve(ctx, a, args[0], opts.Strategy)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Strategy, "strategy", "s", "", "keep-server or overwrite")
	_ = cmd.MarkFlagRequired("strategy")

	return cmd
}

func runResolve(ctx context.Context, a *app, changeID, strategy string) error {
	resolution, err := clientsync.ParseResolution(strategy)
	if err != nil {
		return err
	}

	// разрешение конфликта работает офлайн, сессия нужна только для companyId
	sess := clientsync.Session{CompanyID: a.companyID(ctx)}

	newID, err := a.sync.ResolveConflict(ctx, sess, changeID, resolution)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, map[string]string{
			"changeId":    changeID,
			"resolution":  string(resolution),
			"newChangeId": newID,
		})
	}

	switch resolution {
	case clientsync.KeepServer:
		a.io.Printf("Dropped change %s, kept the server copy\n", changeID)
	case clientsync.Overwrite:
		a.io.Printf("Queued change %s to overwrite the server copy (replaces %s)\n", newID, changeID)
	}
	return nil
}
