package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/fleetsync/internal/models"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> [id]",
		Short: "Show entities from the local replica",
		Long: `Show entities from the local replica.

Without an id lists every entity of the kind that is not deleted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			return runWithApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if len(args) == 2 {
					return runShowEntity(ctx, a, kind, args[1])
				}
				return runShowList(ctx, a, kind)
			})
		},
	}
}

func runShowList(ctx context.Context, a *app, kind models.EntityKind) error {
	entities, err := a.store.ListEntities(ctx, kind)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, entities)
	}
	if len(entities) == 0 {
		a.io.Printf("No %s entities\n", kind)
		return nil
	}

	rows := make([][]string, 0, len(entities))
	for _, e := range entities {
		name, _ := e.Fields["name"].(string)
		rows = append(rows, []string{
			e.ID,
			name,
			e.ParentID,
			fmt.Sprint(e.Version),
			formatTime(e.UpdatedAt),
		})
	}
	return printTable(a.io, []string{"ID", "NAME", "PARENT", "VERSION", "UPDATED"}, rows)
}

func runShowEntity(ctx context.Context, a *app, kind models.EntityKind, id string) error {
	entity, err := a.store.GetEntity(ctx, kind, id)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(a.io, entity)
	}

	a.io.Printf("%s %s\n", entity.Kind, entity.ID)
	if entity.ParentID != "" {
		a.io.Printf("Parent:  %s\n", entity.ParentID)
	}
	a.io.Printf("Version: %d\n", entity.Version)
	a.io.Printf("Updated: %s\n", formatTime(entity.UpdatedAt))
	if entity.Deleted {
		a.io.Println("Deleted: yes")
	}

	fields, err := json.MarshalIndent(entity.Fields, "", "  ")
	if err != nil {
		return err
	}
	a.io.Printf("Fields:  %s\n", fields)
	return nil
}
