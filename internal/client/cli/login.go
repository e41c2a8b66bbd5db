package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Token string
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the access token issued by the onboarding platform",
		Long: `Store the access token issued by the onboarding platform.

The token is read from --token or prompted for without echo. It can also be piped:
  issue-token -user u1 -company c1 | fleetsync login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runLogin(ctx, a, opts.Token)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "access token (prompted if empty)")

	return cmd
}

func runLogin(ctx context.Context, a *app, token string) error {
	if token == "" {
		var err error
		token, err = a.io.ReadSecret("Access token: ")
		if err != nil {
			return err
		}
	}
	if token == "" {
		return errors.New("access token is required")
	}

	data, err := a.auth.Login(ctx, token)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, map[string]any{
			"userId":    data.UserID,
			"companyId": data.CompanyID,
			"expiresAt": data.ExpiresAt,
		})
	}

	a.io.Println("Logged in")
	a.io.Printf("User:    %s\n", data.UserID)
	a.io.Printf("Company: %s\n", data.CompanyID)
	if data.ExpiresAt > 0 {
		a.io.Printf("Expires: %s\n", formatTime(time.Unix(data.ExpiresAt, 0)))
	}
	return nil
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored access token",
		Long:  "Remove the stored access token. Queued changes stay on the device.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if err := a.auth.Logout(ctx); err != nil {
					return err
				}
				a.io.Println("Logged out")
				return nil
			})
		},
	}
}
