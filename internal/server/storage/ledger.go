package storage

import (
	"context"
	"time"

	"github.com/iudanet/fleetsync/internal/models"
)

// LedgerUpdate переводит запись журнала из pending в конечный статус
type LedgerUpdate struct {
	ServerTimestamp *time.Time
	Metadata        *models.LedgerMetadata // заменяет метаданные, если не nil
	Status          models.LedgerStatus
	ErrorCode       string
	ErrorDetail     string
}

// LedgerFilter selects ledger entries for listing
type LedgerFilter struct {
	UserID   string
	DeviceID string // optional
	Status   models.LedgerStatus
	Limit    int
}

// LedgerStorage defines interface for the append-only sync ledger
type LedgerStorage interface {
	// CreateLedgerEntry appends a new entry
	CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error

	// TransitionLedgerEntry moves a pending entry to a terminal status
	// Returns ErrLedgerEntryNotFound or ErrInvalidTransition
	TransitionLedgerEntry(ctx context.Context, id string, upd LedgerUpdate) error

	// GetLedgerEntry retrieves entry by id
	// Returns ErrLedgerEntryNotFound if entry doesn't exist
	GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error)

	// FindAppliedChange returns the earliest completed, non-duplicate entry for the change id
	// Returns ErrLedgerEntryNotFound if the change was never applied
	FindAppliedChange(ctx context.Context, userID, deviceID, changeID string) (*models.LedgerEntry, error)

	// ListLedgerEntries returns entries newest first
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*models.LedgerEntry, error)

	// CountLedgerByStatus returns number of entries per status for the user (and device, if set)
	CountLedgerByStatus(ctx context.Context, userID, deviceID string) (map[models.LedgerStatus]int, error)

	// ListStalePending returns pending entries created before the given time, oldest first
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*models.LedgerEntry, error)

	// CountStalePending counts the user's (and device's, if set) pending entries created before the given time
	CountStalePending(ctx context.Context, before time.Time, userID, deviceID string) (int, error)

	// LastCompletedAt returns server timestamp of the latest completed entry or nil
	LastCompletedAt(ctx context.Context, userID, deviceID string) (*time.Time, error)
}
