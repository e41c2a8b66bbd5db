package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iudanet/fleetsync/internal/models"
)

// ChangeOptions holds flags shared by the change subcommands.
type ChangeOptions struct {
	*RootOptions
	ChangeID string
	Data     string
	Set      []string
	Version  int64
}

// NewChangeCommand creates the change command with create, update and delete subcommands.
func NewChangeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Record a local change for the next sync",
		Long: `Record a local change for the next sync.

Fields are given as --set key=value (values that parse as JSON keep their type)
or as a JSON object with --data.

Example:
  fleetsync change create vessel --set name=Aurora --set imo=9321483
  fleetsync change update equipment e-42 --set status=installed --version 3
  fleetsync change delete part p-7`,
	}

	cmd.AddCommand(newChangeOpCommand(rootOpts, models.OpCreate, "create <kind> [id]", "Create an entity; the id is generated if omitted", cobra.RangeArgs(1, 2)))
	cmd.AddCommand(newChangeOpCommand(rootOpts, models.OpUpdate, "update <kind> <id>", "Update fields of an entity", cobra.ExactArgs(2)))
	cmd.AddCommand(newChangeOpCommand(rootOpts, models.OpDelete, "delete <kind> <id>", "Soft-delete an entity", cobra.ExactArgs(2)))

	return cmd
}

func newChangeOpCommand(rootOpts *RootOptions, op models.Operation, use, short string, args cobra.PositionalArgs) *cobra.Command {
	opts := &ChangeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			change, err := buildChange(op, args, opts)
			if err != nil {
				return err
			}
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runChange(ctx, a, change)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ChangeID, "change-id", "", "change id (generated if empty)")
	cmd.Flags().Int64Var(&opts.Version, "version", -1, "last known server version (default: version in the local replica)")
	if op != models.OpDelete {
		cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "field as key=value, repeatable")
		cmd.Flags().StringVar(&opts.Data, "data", "", "fields as a JSON object")
	}

	return cmd
}

func buildChange(op models.Operation, args []string, opts *ChangeOptions) (models.ChangeRequest, error) {
	kind, err := models.ParseEntityKind(args[0])
	if err != nil {
		return models.ChangeRequest{}, err
	}

	change := models.ChangeRequest{
		ChangeID:   opts.ChangeID,
		EntityKind: kind,
		Operation:  op,
	}
	if change.ChangeID == "" {
		change.ChangeID = uuid.NewString()
	}
	if len(args) > 1 {
		change.EntityID = args[1]
	} else {
		change.EntityID = uuid.NewString()
	}
	if opts.Version >= 0 {
		v := opts.Version
		change.Version = &v
	}

	payload, err := parseFields(opts.Data, opts.Set)
	if err != nil {
		return models.ChangeRequest{}, err
	}
	if op == models.OpCreate && payload == nil {
		payload = map[string]any{}
	}
	change.Payload = payload

	return change, nil
}

// parseFields merges --data and --set; --set wins on the same key.
func parseFields(data string, set []string) (map[string]any, error) {
	var fields map[string]any

	if data != "" {
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return nil, fmt.Errorf("invalid --data JSON: %w", err)
		}
	}

	for _, kv := range set {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		if fields == nil {
			fields = make(map[string]any, len(set))
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		fields[key] = value
	}

	return fields, nil
}

func runChange(ctx context.Context, a *app, change models.ChangeRequest) error {
	if err := a.sync.Enqueue(ctx, a.companyID(ctx), change); err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, change)
	}

	a.io.Printf("Queued %s %s %s (change %s)\n", change.Operation, change.EntityKind, change.EntityID, change.ChangeID)
	return nil
}
