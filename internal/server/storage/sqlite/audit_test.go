package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fleetsync/internal/models"
)

func TestAuditStorage_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	create := &models.AuditRecord{
		CompanyID:  "company-1",
		UserID:     "user-1",
		EntityKind: models.KindVessel,
		EntityID:   "v1",
		Action:     "CREATE",
		NewValues:  map[string]any{"name": "MV Cargo Master"},
		Metadata:   map[string]any{"source": "offline_sync", "changeId": "c1"},
		CreatedAt:  testBase,
	}
	require.NoError(t, s.RecordAudit(ctx, create))
	assert.NotEmpty(t, create.ID)

	update := &models.AuditRecord{
		CompanyID:  "company-1",
		UserID:     "user-1",
		EntityKind: models.KindVessel,
		EntityID:   "v1",
		Action:     "UPDATE",
		OldValues:  map[string]any{"name": "MV Cargo Master"},
		NewValues:  map[string]any{"name": "MV Cargo Master II"},
		CreatedAt:  testBase.Add(1),
	}
	require.NoError(t, s.RecordAudit(ctx, update))

	records, err := s.ListEntityAudit(ctx, models.KindVessel, "v1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "CREATE", records[0].Action)
	assert.Nil(t, records[0].OldValues)
	assert.Equal(t, "MV Cargo Master", records[0].NewValues["name"])
	assert.Equal(t, "offline_sync", records[0].Metadata["source"])

	assert.Equal(t, "UPDATE", records[1].Action)
	assert.Equal(t, "MV Cargo Master", records[1].OldValues["name"])
	assert.Empty(t, records[1].Metadata)

	records, err = s.ListEntityAudit(ctx, models.KindVessel, "v2")
	require.NoError(t, err)
	assert.Empty(t, records)
}
