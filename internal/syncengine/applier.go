package syncengine

import (
	"context"
	"errors"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage"
)

// Applied is the effect of one applied change.
type Applied struct {
	Before   *models.Entity // Before состояние до изменения, nil для create
	After    *models.Entity
	Children []ChildCreate

	// Noop is set when the change was already in effect (delete of a tombstone)
	Noop bool
}

// Applier dispatches a single change to the kind handler and the entity store.
// It performs no conflict detection. Timestamps are left to the store, which
// stamps them inside its write transaction.
type Applier struct {
	store EntityStore
}

// NewApplier creates a new Applier
func NewApplier(store EntityStore) *Applier {
	return &Applier{store: store}
}

// Apply applies change on behalf of sub. A positive expectedVersion makes the
// write a compare-and-swap; a miss is reported as storage.ErrVersionMismatch.
func (a *Applier) Apply(ctx context.Context, sub models.Submitter, change models.ChangeRequest, expectedVersion int64) (*Applied, error) {
	handler, err := HandlerFor(change.EntityKind)
	if err != nil {
		return nil, err
	}

	norm, err := handler.Normalize(change.Operation, change.Payload)
	if err != nil {
		return nil, err
	}

	switch change.Operation {
	case models.OpCreate:
		return a.create(ctx, sub, change, norm)
	case models.OpUpdate:
		return a.update(ctx, sub, change, norm, expectedVersion)
	case models.OpDelete:
		return a.delete(ctx, sub, change, norm, expectedVersion)
	}

	return nil, validationErrorf("unknown operation %q", change.Operation)
}

func (a *Applier) create(ctx context.Context, sub models.Submitter, change models.ChangeRequest, norm *Normalized) (*Applied, error) {
	entity := &models.Entity{
		Kind:      change.EntityKind,
		ID:        change.EntityID,
		CompanyID: sub.CompanyID,
		Fields:    norm.Fields,
	}

	if norm.ParentID != nil {
		if err := a.checkParent(ctx, sub, change.EntityKind, *norm.ParentID); err != nil {
			return nil, err
		}
		entity.ParentID = *norm.ParentID
	}

	if err := a.store.CreateEntity(ctx, entity); err != nil {
		if errors.Is(err, storage.ErrEntityExists) {
			return nil, &ChangeError{Code: CodeEntityExists, Err: err}
		}
		return nil, err
	}

	return &Applied{After: entity, Children: norm.Children}, nil
}

func (a *Applier) update(ctx context.Context, sub models.Submitter, change models.ChangeRequest, norm *Normalized, expectedVersion int64) (*Applied, error) {
	current, err := a.visible(ctx, sub, change.EntityKind, change.EntityID)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, notFoundErrorf("%s %s is deleted", change.EntityKind, change.EntityID)
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return nil, storage.ErrVersionMismatch
	}

	if norm.ParentID != nil && *norm.ParentID != current.ParentID {
		if err := a.checkParent(ctx, sub, change.EntityKind, *norm.ParentID); err != nil {
			return nil, err
		}
	}

	after, err := a.store.UpdateEntity(ctx, change.EntityKind, change.EntityID, storage.EntityUpdate{
		Fields:          norm.Fields,
		ParentID:        norm.ParentID,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, err
	}

	return &Applied{Before: current, After: after}, nil
}

func (a *Applier) delete(ctx context.Context, sub models.Submitter, change models.ChangeRequest, norm *Normalized, expectedVersion int64) (*Applied, error) {
	current, err := a.visible(ctx, sub, change.EntityKind, change.EntityID)
	if err != nil {
		return nil, err
	}

	// Повторное удаление - успех без записи
	if current.Deleted {
		return &Applied{Before: current, After: current, Noop: true}, nil
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return nil, storage.ErrVersionMismatch
	}

	after, err := a.store.SoftDeleteEntity(ctx, change.EntityKind, change.EntityID, storage.EntityUpdate{
		Fields:          norm.Fields,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, err
	}

	return &Applied{Before: current, After: after}, nil
}

// visible returns the entity if it exists and belongs to the submitter's company.
func (a *Applier) visible(ctx context.Context, sub models.Submitter, kind models.EntityKind, id string) (*models.Entity, error) {
	entity, err := a.store.GetEntity(ctx, kind, id)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, notFoundErrorf("%s %s not found", kind, id)
		}
		return nil, err
	}
	if entity.CompanyID != sub.CompanyID {
		return nil, notFoundErrorf("%s %s not found", kind, id)
	}
	return entity, nil
}

// checkParent requires a live parent in the same company. A missing parent is
// retryable: it may be created by a sibling change of the same batch.
func (a *Applier) checkParent(ctx context.Context, sub models.Submitter, kind models.EntityKind, parentID string) error {
	parentKind, ok := ParentKind(kind)
	if !ok {
		return nil
	}

	parent, err := a.visible(ctx, sub, parentKind, parentID)
	if err != nil {
		var ce *ChangeError
		if errors.As(err, &ce) && ce.Code == CodeEntityNotFound {
			ce.Retryable = true
		}
		return err
	}
	if parent.Deleted {
		return notFoundErrorf("%s %s is deleted", parentKind, parentID)
	}
	return nil
}

// ParentKind returns the kind an entity of kind hangs off.
func ParentKind(kind models.EntityKind) (models.EntityKind, bool) {
	switch kind {
	case models.KindEquipment:
		return models.KindVessel, true
	case models.KindPart:
		return models.KindEquipment, true
	}
	return "", false
}
