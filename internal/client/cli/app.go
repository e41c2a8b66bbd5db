package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iudanet/fleetsync/internal/client/api"
	"github.com/iudanet/fleetsync/internal/client/auth"
	"github.com/iudanet/fleetsync/internal/client/config"
	"github.com/iudanet/fleetsync/internal/client/iocli"
	"github.com/iudanet/fleetsync/internal/client/storage/boltdb"
	clientsync "github.com/iudanet/fleetsync/internal/client/sync"
)

// app собирает зависимости одной команды
type app struct {
	cfg    *config.Config
	store  *boltdb.Storage
	api    *api.Client
	auth   auth.Service
	sync   clientsync.Service
	io     iocli.IO
	logger *slog.Logger
	opts   *RootOptions
}

// openApp loads the config, applies flag overrides and opens the local database.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	path, explicit := opts.ConfigPath, true
	if path == "" {
		path, explicit = config.DefaultPath, false
	}

	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, err
	}
	if opts.ServerURL != "" {
		cfg.ServerURL = opts.ServerURL
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	store, err := boltdb.New(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, err
	}

	apiClient := api.NewClient(cfg.ServerURL, cfg.Timeout)

	return &app{
		cfg:    cfg,
		store:  store,
		api:    apiClient,
		auth:   auth.NewService(store),
		sync:   clientsync.NewService(apiClient, store, store, store, logger, cfg.PullPageLimit),
		io:     iocli.NewStdio(os.Stdin, cmd.OutOrStdout()),
		logger: logger,
		opts:   opts,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// runWithApp opens the app for the duration of fn.
func runWithApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

// session returns credentials for server calls.
func (a *app) session(ctx context.Context) (clientsync.Session, error) {
	data, err := a.auth.Session(ctx)
	if err != nil {
		return clientsync.Session{}, err
	}
	return clientsync.Session{AccessToken: data.AccessToken, CompanyID: data.CompanyID}, nil
}

// companyID returns the company of the stored token, or empty when logged out.
func (a *app) companyID(ctx context.Context) string {
	data, err := a.auth.Session(ctx)
	if err != nil && !errors.Is(err, auth.ErrTokenExpired) {
		return ""
	}
	return data.CompanyID
}

// serverError adds a hint to errors the user can act on.
func serverError(err error) error {
	if api.IsUnauthorized(err) {
		return errors.Join(err, errors.New("the server rejected the token, run 'fleetsync login' with a new one"))
	}
	return err
}

func (a *app) jsonOutput() bool {
	return a.opts.Format == "json"
}
