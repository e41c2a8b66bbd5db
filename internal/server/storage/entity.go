package storage

import (
	"context"
	"time"

	"github.com/iudanet/fleetsync/internal/models"
)

// EntityUpdate describes a single write to an existing entity.
type EntityUpdate struct {
	// At overrides the write time; zero lets the store stamp it inside the
	// write transaction. updated_at never decreases either way.
	At time.Time

	// Fields merged into the stored fields, top-level keys only
	Fields map[string]any

	// ParentID replaces the parent reference when non-nil
	ParentID *string

	// ExpectedVersion enables compare-and-swap when > 0
	ExpectedVersion int64
}

// EntityStorage defines interface for synchronizable entity persistence
type EntityStorage interface {
	// GetEntity retrieves entity by kind and id, including soft-deleted ones
	// Returns ErrEntityNotFound if entity doesn't exist
	GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error)

	// CreateEntity inserts a new entity; version starts at 1
	// Zero CreatedAt is stamped by the store inside the write transaction
	// Returns ErrEntityExists if kind+id is taken
	CreateEntity(ctx context.Context, entity *models.Entity) error

	// UpdateEntity merges fields into an existing entity, bumps version and updated_at
	// Returns ErrEntityNotFound or ErrVersionMismatch
	UpdateEntity(ctx context.Context, kind models.EntityKind, id string, upd EntityUpdate) (*models.Entity, error)

	// SoftDeleteEntity marks entity deleted (tombstone), applying upd the same way as UpdateEntity
	// Returns ErrEntityNotFound or ErrVersionMismatch
	SoftDeleteEntity(ctx context.Context, kind models.EntityKind, id string, upd EntityUpdate) (*models.Entity, error)

	// QueryModifiedSince returns company entities of kind with updated_at > since
	// (including deleted), ordered by updated_at ascending.
	// scopeIDs restricts the result to the given vessels when not empty.
	QueryModifiedSince(ctx context.Context, kind models.EntityKind, companyID string, since time.Time, scopeIDs []string) ([]*models.Entity, error)
}
