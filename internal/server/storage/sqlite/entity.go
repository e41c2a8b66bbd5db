package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage"
)

const entityColumns = `kind, id, company_id, parent_id, data, version, deleted, created_at, updated_at`

// GetEntity retrieves entity by kind and id, including soft-deleted ones
// Returns ErrEntityNotFound if entity doesn't exist
func (s *Storage) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE kind = ? AND id = ?`

	entity, err := scanEntity(s.db.QueryRowContext(ctx, query, string(kind), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return entity, nil
}

// CreateEntity inserts a new entity; version starts at 1
// Zero CreatedAt is stamped by the store clock inside the write transaction
// Returns ErrEntityExists if kind+id is taken
func (s *Storage) CreateEntity(ctx context.Context, entity *models.Entity) error {
	data, err := marshalFields(entity.Fields)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if entity.Version <= 0 {
		entity.Version = 1
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = s.now().UTC()
	}
	if entity.UpdatedAt.Before(entity.CreatedAt) {
		entity.UpdatedAt = entity.CreatedAt
	}

	query := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO NOTHING
	`

	result, err := tx.ExecContext(ctx, query,
		string(entity.Kind),
		entity.ID,
		entity.CompanyID,
		entity.ParentID,
		data,
		entity.Version,
		boolToInt(entity.Deleted),
		timeToNanos(entity.CreatedAt),
		timeToNanos(entity.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrEntityExists
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateEntity merges fields into an existing entity, bumps version and updated_at
// Returns ErrEntityNotFound or ErrVersionMismatch
func (s *Storage) UpdateEntity(ctx context.Context, kind models.EntityKind, id string, upd storage.EntityUpdate) (*models.Entity, error) {
	return s.writeEntity(ctx, kind, id, upd, false)
}

// SoftDeleteEntity marks entity deleted (tombstone)
// Returns ErrEntityNotFound or ErrVersionMismatch
func (s *Storage) SoftDeleteEntity(ctx context.Context, kind models.EntityKind, id string, upd storage.EntityUpdate) (*models.Entity, error) {
	return s.writeEntity(ctx, kind, id, upd, true)
}

// writeEntity выполняет read-modify-write в одной транзакции
func (s *Storage) writeEntity(ctx context.Context, kind models.EntityKind, id string, upd storage.EntityUpdate, tombstone bool) (*models.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT ` + entityColumns + ` FROM entities WHERE kind = ? AND id = ?`
	current, err := scanEntity(tx.QueryRowContext(ctx, query, string(kind), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to read entity: %w", err)
	}

	if upd.ExpectedVersion > 0 && current.Version != upd.ExpectedVersion {
		return nil, storage.ErrVersionMismatch
	}

	next := current.Clone()
	if next.Fields == nil {
		next.Fields = make(map[string]any, len(upd.Fields))
	}
	for k, v := range upd.Fields {
		next.Fields[k] = v
	}
	if upd.ParentID != nil {
		next.ParentID = *upd.ParentID
	}
	if tombstone {
		next.Deleted = true
	}
	// Метка ставится внутри транзакции: порядок коммитов совпадает с порядком updated_at
	at := upd.At
	if at.IsZero() {
		at = s.now().UTC()
	}
	next.Version = current.Version + 1
	next.UpdatedAt = monotonicAfter(current.UpdatedAt, at)

	data, err := marshalFields(next.Fields)
	if err != nil {
		return nil, err
	}

	// Версия в WHERE страхует от параллельной записи между чтением и обновлением
	result, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET parent_id = ?, data = ?, version = ?, deleted = ?, updated_at = ?
		WHERE kind = ? AND id = ? AND version = ?
	`,
		next.ParentID,
		data,
		next.Version,
		boolToInt(next.Deleted),
		timeToNanos(next.UpdatedAt),
		string(kind),
		id,
		current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, storage.ErrVersionMismatch
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit entity update: %w", err)
	}

	return next, nil
}

// QueryModifiedSince returns company entities of kind with updated_at > since
// (including deleted), ordered by updated_at ascending.
func (s *Storage) QueryModifiedSince(ctx context.Context, kind models.EntityKind, companyID string, since time.Time, scopeIDs []string) ([]*models.Entity, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + entityColumns + ` FROM entities WHERE kind = ? AND company_id = ? AND updated_at > ?`)
	args := []any{string(kind), companyID, timeToNanos(since)}

	if len(scopeIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(scopeIDs)), ", ")
		switch kind {
		case models.KindVessel:
			sb.WriteString(` AND id IN (` + placeholders + `)`)
		case models.KindEquipment:
			sb.WriteString(` AND parent_id IN (` + placeholders + `)`)
		case models.KindPart:
			// запчасти привязаны к оборудованию, оборудование - к судну
			sb.WriteString(` AND parent_id IN (
				SELECT id FROM entities
				WHERE kind = 'equipment' AND company_id = ? AND parent_id IN (` + placeholders + `))`)
			args = append(args, companyID)
		default:
			return nil, fmt.Errorf("unsupported entity kind %q", kind)
		}
		for _, id := range scopeIDs {
			args = append(args, id)
		}
	}

	sb.WriteString(` ORDER BY updated_at ASC, id ASC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities since timestamp: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entities, nil
}

// rowScanner общий интерфейс для *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	entity := &models.Entity{}
	var kind, data string
	var deleted int
	var createdAt, updatedAt int64

	err := row.Scan(
		&kind,
		&entity.ID,
		&entity.CompanyID,
		&entity.ParentID,
		&data,
		&entity.Version,
		&deleted,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entity.Kind = models.EntityKind(kind)
	entity.Deleted = intToBool(deleted)
	entity.CreatedAt = nanosToTime(createdAt)
	entity.UpdatedAt = nanosToTime(updatedAt)

	if err := json.Unmarshal([]byte(data), &entity.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity fields: %w", err)
	}

	return entity, nil
}

func marshalFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entity fields: %w", err)
	}
	return string(data), nil
}

// monotonicAfter возвращает at, но не раньше чем prev + 1ns
func monotonicAfter(prev, at time.Time) time.Time {
	if !at.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return at
}

// Helper functions for bool/int conversion
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// Время хранится в наносекундах: секундной точности недостаточно для упорядочивания
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
