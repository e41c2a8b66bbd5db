package syncengine

import (
	"context"
	"time"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage"
)

// EntityStore is the entity store adapter the engine reads and writes through.
type EntityStore interface {
	GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error)
	CreateEntity(ctx context.Context, entity *models.Entity) error
	UpdateEntity(ctx context.Context, kind models.EntityKind, id string, upd storage.EntityUpdate) (*models.Entity, error)
	SoftDeleteEntity(ctx context.Context, kind models.EntityKind, id string, upd storage.EntityUpdate) (*models.Entity, error)
	QueryModifiedSince(ctx context.Context, kind models.EntityKind, companyID string, since time.Time, scopeIDs []string) ([]*models.Entity, error)
}

// Ledger is the durable record of change attempts.
type Ledger interface {
	CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	TransitionLedgerEntry(ctx context.Context, id string, upd storage.LedgerUpdate) error
	FindAppliedChange(ctx context.Context, userID, deviceID, changeID string) (*models.LedgerEntry, error)
}

// AuditSink receives one record per applied change.
type AuditSink interface {
	RecordAudit(ctx context.Context, record *models.AuditRecord) error
}

// StaleLedger lists pending ledger entries for the monitor.
type StaleLedger interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*models.LedgerEntry, error)
	CountStalePending(ctx context.Context, before time.Time, userID, deviceID string) (int, error)
}
