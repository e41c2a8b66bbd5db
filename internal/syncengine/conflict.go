package syncengine

import (
	"time"

	"github.com/iudanet/fleetsync/internal/models"
)

// Conflict is the verdict of DetectConflict.
type Conflict struct {
	ServerUpdatedAt time.Time
	ServerVersion   int64
	Detected        bool
}

// DetectConflict reports whether change was made against stale state.
//
// Only update and delete can conflict. The change conflicts iff the stored
// entity was modified strictly after the client timestamp; an absent entity
// or an equal timestamp never conflicts.
func DetectConflict(change models.ChangeRequest, current *models.Entity) Conflict {
	if current == nil {
		return Conflict{}
	}

	c := Conflict{
		ServerUpdatedAt: current.UpdatedAt,
		ServerVersion:   current.Version,
	}

	if change.Operation != models.OpUpdate && change.Operation != models.OpDelete {
		return c
	}

	c.Detected = current.UpdatedAt.After(change.ClientTimestamp)
	return c
}
