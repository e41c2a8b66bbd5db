package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iudanet/fleetsync/internal/models"
)

func TestDetectConflict(t *testing.T) {
	clientTS := testBase
	stored := func(updatedAt time.Time) *models.Entity {
		return &models.Entity{Kind: models.KindEquipment, ID: "E1", UpdatedAt: updatedAt, Version: 4}
	}

	tests := []struct {
		name     string
		op       models.Operation
		current  *models.Entity
		expected bool
	}{
		{name: "update, server newer", op: models.OpUpdate, current: stored(clientTS.Add(24 * time.Hour)), expected: true},
		{name: "update, server newer by 1ns", op: models.OpUpdate, current: stored(clientTS.Add(time.Nanosecond)), expected: true},
		{name: "update, equal timestamps", op: models.OpUpdate, current: stored(clientTS), expected: false},
		{name: "update, server older", op: models.OpUpdate, current: stored(clientTS.Add(-time.Hour)), expected: false},
		{name: "update, entity absent", op: models.OpUpdate, current: nil, expected: false},
		{name: "delete, server newer", op: models.OpDelete, current: stored(clientTS.Add(time.Minute)), expected: true},
		{name: "delete, server older", op: models.OpDelete, current: stored(clientTS.Add(-time.Minute)), expected: false},
		{name: "create never conflicts", op: models.OpCreate, current: stored(clientTS.Add(time.Hour)), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := models.ChangeRequest{
				ChangeID:        "c1",
				EntityKind:      models.KindEquipment,
				EntityID:        "E1",
				Operation:       tt.op,
				ClientTimestamp: clientTS,
			}

			c := DetectConflict(change, tt.current)
			assert.Equal(t, tt.expected, c.Detected)
			if tt.current != nil {
				assert.True(t, tt.current.UpdatedAt.Equal(c.ServerUpdatedAt))
				assert.Equal(t, int64(4), c.ServerVersion)
			}
		})
	}
}

func TestDetectConflict_Property(t *testing.T) {
	// Для любого сдвига: конфликт тогда и только тогда, когда сервер строго новее
	for offset := -50; offset <= 50; offset++ {
		serverTS := testBase.Add(time.Duration(offset) * time.Millisecond)
		change := models.ChangeRequest{Operation: models.OpUpdate, ClientTimestamp: testBase}

		c := DetectConflict(change, &models.Entity{UpdatedAt: serverTS})
		assert.Equal(t, offset > 0, c.Detected, "offset %dms", offset)
	}
}
