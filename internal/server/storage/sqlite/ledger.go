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

const ledgerColumns = `id, user_id, company_id, device_id, change_id, entity_kind, entity_id,
	operation, payload, payload_hash, status, error_code, error_detail,
	client_timestamp, server_timestamp, metadata, created_at, updated_at`

// CreateLedgerEntry appends a new entry
func (s *Storage) CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = entry.CreatedAt

	query := `
		INSERT INTO sync_ledger (` + ledgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.UserID,
		entry.CompanyID,
		entry.DeviceID,
		entry.ChangeID,
		string(entry.EntityKind),
		entry.EntityID,
		string(entry.Operation),
		entry.Payload,
		entry.PayloadHash,
		string(entry.Status),
		entry.ErrorCode,
		entry.ErrorDetail,
		timeToNanos(entry.ClientTimestamp),
		nullableNanos(entry.ServerTimestamp),
		string(metadata),
		timeToNanos(entry.CreatedAt),
		timeToNanos(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return nil
}

// TransitionLedgerEntry moves a pending entry to a terminal status
// Returns ErrLedgerEntryNotFound or ErrInvalidTransition
func (s *Storage) TransitionLedgerEntry(ctx context.Context, id string, upd storage.LedgerUpdate) error {
	if !upd.Status.IsTerminal() {
		return fmt.Errorf("%w: target status %q", storage.ErrInvalidTransition, upd.Status)
	}

	sets := []string{"status = ?", "error_code = ?", "error_detail = ?", "server_timestamp = ?", "updated_at = ?"}
	args := []any{
		string(upd.Status),
		upd.ErrorCode,
		upd.ErrorDetail,
		nullableNanos(upd.ServerTimestamp),
		timeToNanos(time.Now().UTC()),
	}

	if upd.Metadata != nil {
		metadata, err := json.Marshal(upd.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(metadata))
	}
	args = append(args, id)

	// Переход разрешен только из pending: журнал не переписывается
	query := `UPDATE sync_ledger SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = 'pending'`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.GetLedgerEntry(ctx, id); err != nil {
		return err
	}
	return storage.ErrInvalidTransition
}

// GetLedgerEntry retrieves entry by id
// Returns ErrLedgerEntryNotFound if entry doesn't exist
func (s *Storage) GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM sync_ledger WHERE id = ?`

	entry, err := scanLedgerEntry(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	return entry, nil
}

// FindAppliedChange returns the earliest completed, non-duplicate entry for the change id
// Returns ErrLedgerEntryNotFound if the change was never applied
func (s *Storage) FindAppliedChange(ctx context.Context, userID, deviceID, changeID string) (*models.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM sync_ledger
		WHERE user_id = ? AND device_id = ? AND change_id = ?
		  AND status = 'completed'
		  AND COALESCE(json_extract(metadata, '$.duplicateOf'), '') = ''
		ORDER BY created_at ASC
		LIMIT 1
	`

	entry, err := scanLedgerEntry(s.db.QueryRowContext(ctx, query, userID, deviceID, changeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("failed to find applied change: %w", err)
	}

	return entry, nil
}

// ListLedgerEntries returns entries newest first
func (s *Storage) ListLedgerEntries(ctx context.Context, filter storage.LedgerFilter) ([]*models.LedgerEntry, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + ledgerColumns + ` FROM sync_ledger WHERE user_id = ?`)
	args := []any{filter.UserID}

	if filter.DeviceID != "" {
		sb.WriteString(` AND device_id = ?`)
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		sb.WriteString(` AND status = ?`)
		args = append(args, string(filter.Status))
	}
	sb.WriteString(` ORDER BY created_at DESC, id ASC`)
	if filter.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}

	return s.queryLedger(ctx, sb.String(), args...)
}

// CountLedgerByStatus returns number of entries per status for the user (and device, if set)
func (s *Storage) CountLedgerByStatus(ctx context.Context, userID, deviceID string) (map[models.LedgerStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM sync_ledger WHERE user_id = ?`
	args := []any{userID}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[models.LedgerStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan ledger count: %w", err)
		}
		counts[models.LedgerStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return counts, nil
}

// ListStalePending returns pending entries created before the given time, oldest first
func (s *Storage) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*models.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM sync_ledger
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at ASC
	`
	args := []any{timeToNanos(before)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryLedger(ctx, query, args...)
}

// CountStalePending counts the user's (and device's, if set) pending entries created before the given time
func (s *Storage) CountStalePending(ctx context.Context, before time.Time, userID, deviceID string) (int, error) {
	query := `SELECT COUNT(*) FROM sync_ledger WHERE status = 'pending' AND created_at < ? AND user_id = ?`
	args := []any{timeToNanos(before), userID}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale ledger entries: %w", err)
	}
	return count, nil
}

// LastCompletedAt returns server timestamp of the latest completed entry or nil
func (s *Storage) LastCompletedAt(ctx context.Context, userID, deviceID string) (*time.Time, error) {
	query := `SELECT MAX(server_timestamp) FROM sync_ledger WHERE user_id = ? AND status = 'completed'`
	args := []any{userID}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to get last completed timestamp: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}

	t := nanosToTime(last.Int64)
	return &t, nil
}

func (s *Storage) queryLedger(ctx context.Context, query string, args ...any) ([]*models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	var kind, op, status, metadata string
	var clientTs, createdAt, updatedAt int64
	var serverTs sql.NullInt64

	err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.CompanyID,
		&entry.DeviceID,
		&entry.ChangeID,
		&kind,
		&entry.EntityID,
		&op,
		&entry.Payload,
		&entry.PayloadHash,
		&status,
		&entry.ErrorCode,
		&entry.ErrorDetail,
		&clientTs,
		&serverTs,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.EntityKind = models.EntityKind(kind)
	entry.Operation = models.Operation(op)
	entry.Status = models.LedgerStatus(status)
	entry.ClientTimestamp = nanosToTime(clientTs)
	entry.CreatedAt = nanosToTime(createdAt)
	entry.UpdatedAt = nanosToTime(updatedAt)
	if serverTs.Valid {
		t := nanosToTime(serverTs.Int64)
		entry.ServerTimestamp = &t
	}

	if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger metadata: %w", err)
	}

	return entry, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeToNanos(*t)
}
