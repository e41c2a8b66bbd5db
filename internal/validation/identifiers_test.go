package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fleetsync/internal/models"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
		errMsg  string
	}{
		{
			name:  "valid uuid",
			value: "0b7f6c1e-3f0a-4b8e-9c55-1d2f3a4b5c6d",
		},
		{
			name:  "valid short id",
			value: "v1",
		},
		{
			name:  "valid with dots and colons",
			value: "tablet.bridge:01",
		},
		{
			name:  "valid max length",
			value: strings.Repeat("a", MaxIdentifierLen),
		},
		{
			name:    "invalid - empty",
			value:   "",
			wantErr: true,
			errMsg:  "entityId cannot be empty",
		},
		{
			name:    "invalid - too long",
			value:   strings.Repeat("a", MaxIdentifierLen+1),
			wantErr: true,
			errMsg:  "must not exceed",
		},
		{
			name:    "invalid - whitespace",
			value:   "abc def",
			wantErr: true,
			errMsg:  "can only contain",
		},
		{
			name:    "invalid - leading dash",
			value:   "-abc",
			wantErr: true,
			errMsg:  "can only contain",
		},
		{
			name:    "invalid - slash",
			value:   "a/b",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier("entityId", tt.value)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateDeviceID(t *testing.T) {
	assert.NoError(t, ValidateDeviceID("device-1"))

	err := ValidateDeviceID("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deviceId")
}

func TestValidateChange(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := int64(-1)

	valid := func() models.ChangeRequest {
		return models.ChangeRequest{
			ChangeID:        "c1",
			EntityKind:      models.KindVessel,
			EntityID:        "v1",
			Operation:       models.OpUpdate,
			ClientTimestamp: now.Add(-time.Hour),
			Payload:         map[string]any{"name": "Aurora"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *models.ChangeRequest)
		wantErr string
	}{
		{
			name:   "valid update",
			mutate: func(c *models.ChangeRequest) {},
		},
		{
			name: "valid delete without payload",
			mutate: func(c *models.ChangeRequest) {
				c.Operation = models.OpDelete
				c.Payload = nil
			},
		},
		{
			name: "valid create with empty payload",
			mutate: func(c *models.ChangeRequest) {
				c.Operation = models.OpCreate
				c.Payload = map[string]any{}
			},
		},
		{
			name:    "missing change id",
			mutate:  func(c *models.ChangeRequest) { c.ChangeID = "" },
			wantErr: "changeId cannot be empty",
		},
		{
			name:    "unknown kind",
			mutate:  func(c *models.ChangeRequest) { c.EntityKind = "crew" },
			wantErr: "unknown entityKind",
		},
		{
			name:    "missing entity id",
			mutate:  func(c *models.ChangeRequest) { c.EntityID = "" },
			wantErr: "entityId cannot be empty",
		},
		{
			name:    "unknown operation",
			mutate:  func(c *models.ChangeRequest) { c.Operation = "upsert" },
			wantErr: "unknown operation",
		},
		{
			name:    "missing timestamp",
			mutate:  func(c *models.ChangeRequest) { c.ClientTimestamp = time.Time{} },
			wantErr: "clientTimestamp is required",
		},
		{
			name:    "timestamp far in the future",
			mutate:  func(c *models.ChangeRequest) { c.ClientTimestamp = now.Add(MaxClockSkew + time.Minute) },
			wantErr: "in the future",
		},
		{
			name:    "negative version",
			mutate:  func(c *models.ChangeRequest) { c.Version = &v },
			wantErr: "version cannot be negative",
		},
		{
			name: "create without payload",
			mutate: func(c *models.ChangeRequest) {
				c.Operation = models.OpCreate
				c.Payload = nil
			},
			wantErr: "payload is required for create",
		},
		{
			name:    "update with empty payload",
			mutate:  func(c *models.ChangeRequest) { c.Payload = map[string]any{} },
			wantErr: "payload is required for update",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := valid()
			tt.mutate(&change)

			err := ValidateChange(change, now)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
