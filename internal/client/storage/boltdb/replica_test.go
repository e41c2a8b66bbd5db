package boltdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fleetsync/internal/client/storage"
	"github.com/iudanet/fleetsync/internal/models"
)

func newTestEntity(kind models.EntityKind, id, name string, minute int, version int64) *models.Entity {
	at := time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC)
	return &models.Entity{
		Kind:      kind,
		ID:        id,
		CompanyID: "company-1",
		Fields:    map[string]any{"name": name},
		Version:   version,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestReplica_PutGet(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)

	_, err := store.GetEntity(ctx, models.KindVessel, "v1")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)

	require.NoError(t, store.PutEntity(ctx, newTestEntity(models.KindVessel, "v1", "A", 1, 1)))

	got, err := store.GetEntity(ctx, models.KindVessel, "v1")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Fields["name"])
	assert.Equal(t, "company-1", got.CompanyID)

	// тот же ID другого вида не найден
	_, err = store.GetEntity(ctx, models.KindEquipment, "v1")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestReplica_MergeEntities(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)

	require.NoError(t, store.PutEntity(ctx, newTestEntity(models.KindVessel, "v1", "local newer", 10, 1)))
	require.NoError(t, store.PutEntity(ctx, newTestEntity(models.KindVessel, "v2", "local older", 1, 1)))

	merged, err := store.MergeEntities(ctx, []*models.Entity{
		newTestEntity(models.KindVessel, "v1", "server older", 5, 2),
		newTestEntity(models.KindVessel, "v2", "server newer", 5, 2),
		newTestEntity(models.KindEquipment, "e1", "new", 5, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, merged)

	v1, err := store.GetEntity(ctx, models.KindVessel, "v1")
	require.NoError(t, err)
	assert.Equal(t, "local newer", v1.Fields["name"])

	v2, err := store.GetEntity(ctx, models.KindVessel, "v2")
	require.NoError(t, err)
	assert.Equal(t, "server newer", v2.Fields["name"])

	// повторное слияние ничего не меняет
	merged, err = store.MergeEntities(ctx, []*models.Entity{newTestEntity(models.KindVessel, "v2", "server newer", 5, 2)})
	require.NoError(t, err)
	assert.Zero(t, merged)
}

func TestReplica_ListEntities(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)

	deleted := newTestEntity(models.KindVessel, "v3", "gone", 1, 2)
	deleted.Deleted = true

	_, err := store.MergeEntities(ctx, []*models.Entity{
		newTestEntity(models.KindVessel, "v2", "B", 1, 1),
		newTestEntity(models.KindVessel, "v1", "A", 1, 1),
		newTestEntity(models.KindPart, "p1", "P", 1, 1),
		deleted,
	})
	require.NoError(t, err)

	vessels, err := store.ListEntities(ctx, models.KindVessel)
	require.NoError(t, err)
	require.Len(t, vessels, 2)
	assert.Equal(t, "v1", vessels[0].ID)
	assert.Equal(t, "v2", vessels[1].ID)

	all, err := store.ListEntities(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
