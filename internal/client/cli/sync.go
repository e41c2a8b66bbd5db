package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	clientsync "github.com/iudanet/fleetsync/internal/client/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	PushOnly bool
	PullOnly bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes, then pull server changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.PushOnly && opts.PullOnly {
				return fmt.Errorf("--push-only and --pull-only are mutually exclusive")
			}
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runSync(ctx, a, opts)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.PushOnly, "push-only", false, "only push queued changes")
	cmd.Flags().BoolVar(&opts.PullOnly, "pull-only", false, "only pull server changes")

	return cmd
}

func runSync(ctx context.Context, a *app, opts *SyncOptions) error {
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}

	result := &clientsync.SyncResult{}
	switch {
	case opts.PushOnly:
		push, err := a.sync.Push(ctx, sess)
		if err != nil {
			return serverError(err)
		}
		result.Push = *push
	case opts.PullOnly:
		pull, err := a.sync.Pull(ctx, sess)
		if err != nil {
			return serverError(err)
		}
		result.Pull = *pull
	default:
		result, err = a.sync.Sync(ctx, sess)
		if err != nil {
			return serverError(err)
		}
	}

	if a.jsonOutput() {
		return printJSON(a.io, result)
	}

	if !opts.PullOnly {
		a.io.Printf("Pushed:    %d (applied %d, conflicts %d, failed %d, will retry %d)\n",
			result.Push.Sent, result.Push.Succeeded, result.Push.Conflicts, result.Push.Failed, result.Push.Retrying)
	}
	if !opts.PushOnly {
		a.io.Printf("Pulled:    %d changes in %d pages, %d updated locally\n",
			result.Pull.Received, result.Pull.Pages, result.Pull.Merged)
		a.io.Printf("Watermark: %s\n", formatTime(result.Pull.Watermark))
	}
	if result.Push.Conflicts > 0 {
		a.io.Println("Run 'fleetsync conflicts' to review conflicting changes.")
	}
	return nil
}
