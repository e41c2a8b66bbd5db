package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/fleetsync/internal/client/auth"
	"github.com/iudanet/fleetsync/pkg/api"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Remote bool
}

// localStatus состояние устройства
type localStatus struct {
	LastSync      time.Time           `json:"lastSync"`
	Server        *api.StatusResponse `json:"server,omitempty"`
	DeviceID      string              `json:"deviceId"`
	UserID        string              `json:"userId,omitempty"`
	CompanyID     string              `json:"companyId,omitempty"`
	Pending       int                 `json:"pending"`
	Conflicts     int                 `json:"conflicts"`
	Failed        int                 `json:"failed"`
	Entities      int                 `json:"entities"`
	Authenticated bool                `json:"authenticated"`
	TokenExpired  bool                `json:"tokenExpired"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local queue and, with --remote, the server ledger counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runStatus(ctx, a, opts.Remote)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "also query the server")

	return cmd
}

func collectStatus(ctx context.Context, a *app) (*localStatus, error) {
	st := &localStatus{}
	var err error

	if st.DeviceID, err = a.store.GetDeviceID(ctx); err != nil {
		return nil, err
	}
	if st.LastSync, err = a.store.GetLastSync(ctx); err != nil {
		return nil, err
	}

	pending, err := a.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := a.store.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := a.store.ListFailed(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := a.store.ListEntities(ctx, "")
	if err != nil {
		return nil, err
	}
	st.Pending, st.Conflicts, st.Failed, st.Entities = len(pending), len(conflicts), len(failed), len(entities)

	data, err := a.auth.Session(ctx)
	switch {
	case err == nil:
		st.Authenticated = true
	case errors.Is(err, auth.ErrTokenExpired):
		st.TokenExpired = true
	case errors.Is(err, auth.ErrNotAuthenticated):
	default:
		return nil, err
	}
	if data != nil {
		st.UserID, st.CompanyID = data.UserID, data.CompanyID
	}

	return st, nil
}

func runStatus(ctx context.Context, a *app, remote bool) error {
	st, err := collectStatus(ctx, a)
	if err != nil {
		return err
	}

	if remote {
		sess, err := a.session(ctx)
		if err != nil {
			return err
		}
		st.Server, err = a.api.Status(ctx, sess.AccessToken, st.DeviceID)
		if err != nil {
			return serverError(err)
		}
	}

	if a.jsonOutput() {
		return printJSON(a.io, st)
	}

	switch {
	case st.Authenticated:
		a.io.Printf("User:       %s (company %s)\n", st.UserID, st.CompanyID)
	case st.TokenExpired:
		a.io.Printf("User:       %s (token expired)\n", st.UserID)
	default:
		a.io.Println("User:       not logged in")
	}
	a.io.Printf("Device:     %s\n", st.DeviceID)
	a.io.Printf("Server:     %s\n", a.cfg.ServerURL)
	a.io.Printf("Last sync:  %s\n", formatTime(st.LastSync))
	a.io.Printf("Pending:    %d\n", st.Pending)
	a.io.Printf("Conflicts:  %d\n", st.Conflicts)
	a.io.Printf("Failed:     %d\n", st.Failed)
	a.io.Printf("Entities:   %d\n", st.Entities)

	if st.Server != nil {
		a.io.Println()
		a.io.Println("Server ledger:")
		for _, status := range []string{"pending", "completed", "conflict", "failed"} {
			a.io.Printf("  %-10s %d\n", status, st.Server.Counts[status])
		}
		a.io.Printf("  stale      %d\n", st.Server.StalePending)
		if st.Server.LastCompletedAt != nil {
			a.io.Printf("  last completed %s\n", formatTime(*st.Server.LastCompletedAt))
		}
	}
	return nil
}
