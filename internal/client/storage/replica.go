package storage

import (
	"context"

	"github.com/iudanet/fleetsync/internal/models"
)

//go:generate moq -out replica_mock.go . ReplicaStorage

// ReplicaStorage is the local copy of server entities plus optimistic local edits.
type ReplicaStorage interface {
	// GetEntity returns ErrEntityNotFound if the entity is not replicated
	GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error)

	// PutEntity stores the entity unconditionally (local optimistic edits)
	PutEntity(ctx context.Context, entity *models.Entity) error

	// MergeEntities applies last-write-wins to each entity and returns how many replaced the local copy
	MergeEntities(ctx context.Context, entities []*models.Entity) (int, error)

	// ListEntities returns non-deleted entities of kind; empty kind lists all
	ListEntities(ctx context.Context, kind models.EntityKind) ([]*models.Entity, error)
}
