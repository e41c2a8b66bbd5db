package storage

import (
	"context"
	"time"

	"github.com/iudanet/fleetsync/internal/models"
)

//go:generate moq -out outbox_mock.go . OutboxStorage

// PendingChange is a change waiting to be pushed.
type PendingChange struct {
	EnqueuedAt time.Time            `json:"enqueuedAt"`
	LastError  string               `json:"lastError,omitempty"`
	Change     models.ChangeRequest `json:"change"`
	Seq        uint64               `json:"seq"`      // порядок постановки в очередь
	Attempts   int                  `json:"attempts"` // неудачные попытки с retryable ошибкой
}

// ConflictRecord is a change the server rejected because its copy was newer.
type ConflictRecord struct {
	DetectedAt     time.Time            `json:"detectedAt"`
	ServerSnapshot *models.Entity       `json:"serverSnapshot,omitempty"`
	Message        string               `json:"message,omitempty"`
	Change         models.ChangeRequest `json:"change"`
}

// FailedChange is a change the server rejected with a non-retryable error.
type FailedChange struct {
	FailedAt  time.Time            `json:"failedAt"`
	ErrorCode string               `json:"errorCode,omitempty"`
	Error     string               `json:"error"`
	Change    models.ChangeRequest `json:"change"`
}

// OutboxStorage хранит локальные изменения до подтверждения сервером.
// Каждое изменение находится ровно в одном из состояний: pending, conflict, failed;
// подтвержденные изменения удаляются.
type OutboxStorage interface {
	// Enqueue adds a change to the pending queue
	// Returns ErrDuplicateChange if the change id is already known
	Enqueue(ctx context.Context, change models.ChangeRequest) error

	// ListPending returns pending changes in enqueue order
	ListPending(ctx context.Context) ([]*PendingChange, error)

	// Acknowledge removes a pending change the server applied
	Acknowledge(ctx context.Context, changeID string) error

	// RecordAttempt keeps the change pending and stores the retryable error
	RecordAttempt(ctx context.Context, changeID, lastError string) error

	// MoveToConflict moves a pending change to the conflict list
	MoveToConflict(ctx context.Context, changeID string, conflict *ConflictRecord) error

	// MoveToFailed moves a pending change to the failed list
	MoveToFailed(ctx context.Context, changeID string, failed *FailedChange) error

	// ListConflicts returns unresolved conflicts ordered by detection time
	ListConflicts(ctx context.Context) ([]*ConflictRecord, error)

	// GetConflict returns ErrConflictNotFound if nothing is recorded for changeID
	GetConflict(ctx context.Context, changeID string) (*ConflictRecord, error)

	// DeleteConflict removes a resolved conflict
	DeleteConflict(ctx context.Context, changeID string) error

	// ListFailed returns changes rejected with a non-retryable error
	ListFailed(ctx context.Context) ([]*FailedChange, error)
}
