package storage

import (
	"context"

	"github.com/iudanet/fleetsync/internal/models"
)

// AuditStorage defines interface for the audit log
type AuditStorage interface {
	// RecordAudit appends an audit record
	RecordAudit(ctx context.Context, record *models.AuditRecord) error

	// ListEntityAudit returns audit records of a single entity, oldest first
	ListEntityAudit(ctx context.Context, kind models.EntityKind, entityID string) ([]*models.AuditRecord, error)
}
