package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/fleetsync/internal/models"
)

// RecordAudit appends an audit record
func (s *Storage) RecordAudit(ctx context.Context, record *models.AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	oldValues, err := marshalNullable(record.OldValues)
	if err != nil {
		return fmt.Errorf("failed to marshal old values: %w", err)
	}
	newValues, err := marshalNullable(record.NewValues)
	if err != nil {
		return fmt.Errorf("failed to marshal new values: %w", err)
	}
	metadata, err := marshalFields(record.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (
			id, company_id, user_id, entity_kind, entity_id,
			action, old_values, new_values, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.CompanyID,
		record.UserID,
		string(record.EntityKind),
		record.EntityID,
		record.Action,
		oldValues,
		newValues,
		metadata,
		timeToNanos(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

// ListEntityAudit returns audit records of a single entity, oldest first
func (s *Storage) ListEntityAudit(ctx context.Context, kind models.EntityKind, entityID string) ([]*models.AuditRecord, error) {
	query := `
		SELECT id, company_id, user_id, entity_kind, entity_id,
		       action, old_values, new_values, metadata, created_at
		FROM audit_log
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(kind), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*models.AuditRecord
	for rows.Next() {
		record := &models.AuditRecord{}
		var entityKind, metadata string
		var oldValues, newValues sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&record.ID,
			&record.CompanyID,
			&record.UserID,
			&entityKind,
			&record.EntityID,
			&record.Action,
			&oldValues,
			&newValues,
			&metadata,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		record.EntityKind = models.EntityKind(entityKind)
		record.CreatedAt = nanosToTime(createdAt)

		if err := unmarshalNullable(oldValues, &record.OldValues); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(newValues, &record.NewValues); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

func marshalNullable(values map[string]any) (any, error) {
	if values == nil {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable(src sql.NullString, dst *map[string]any) error {
	if !src.Valid {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal audit values: %w", err)
	}
	return nil
}
