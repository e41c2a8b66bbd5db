package boltdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fleetsync/internal/client/storage"
	"github.com/iudanet/fleetsync/internal/crdt"
	"github.com/iudanet/fleetsync/internal/models"
)

// GetEntity returns ErrEntityNotFound if the entity is not replicated
func (s *Storage) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	var entity *models.Entity

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketReplica)
		if err != nil {
			return err
		}

		entity, err = getEntity(b, crdt.Key(kind, id))
		return err
	})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// PutEntity stores the entity unconditionally (local optimistic edits)
func (s *Storage) PutEntity(ctx context.Context, entity *models.Entity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketReplica)
		if err != nil {
			return err
		}
		return putJSON(b, []byte(crdt.Key(entity.Kind, entity.ID)), entity)
	})
}

// MergeEntities applies last-write-wins to each entity in one transaction
func (s *Storage) MergeEntities(ctx context.Context, entities []*models.Entity) (int, error) {
	merged := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketReplica)
		if err != nil {
			return err
		}

		// Загружаем локальные копии в LWW set, затем вливаем пришедшие версии
		local := crdt.NewLWWSet()
		for _, e := range entities {
			existing, err := getEntity(b, crdt.Key(e.Kind, e.ID))
			switch {
			case err == nil:
				local.Add(existing)
			case !errors.Is(err, storage.ErrEntityNotFound):
				return err
			}
		}

		incoming := crdt.NewLWWSet()
		for _, e := range entities {
			incoming.Add(e)
		}

		for _, key := range local.Merge(incoming) {
			kind, id := splitKey(key)
			winner, _ := local.Get(kind, id)
			if err := putJSON(b, []byte(key), winner); err != nil {
				return err
			}
			merged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to merge entities: %w", err)
	}

	return merged, nil
}

// ListEntities returns non-deleted entities of kind; empty kind lists all
func (s *Storage) ListEntities(ctx context.Context, kind models.EntityKind) ([]*models.Entity, error) {
	set := crdt.NewLWWSet()

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketReplica)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var e models.Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal entity %s: %w", k, err)
			}
			set.Add(&e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	return set.Active(kind), nil
}

func getEntity(b *bbolt.Bucket, key string) (*models.Entity, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, storage.ErrEntityNotFound
	}

	var e models.Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity %s: %w", key, err)
	}
	return &e, nil
}

func splitKey(key string) (models.EntityKind, string) {
	kind, id, _ := strings.Cut(key, "/")
	return models.EntityKind(kind), id
}
