package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fleetsync/internal/client/storage"
	"github.com/iudanet/fleetsync/internal/models"
)

// Enqueue adds a change to the pending queue
func (s *Storage) Enqueue(ctx context.Context, change models.ChangeRequest) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		outbox, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}

		// changeId должен быть уникален во всех состояниях очереди
		key := []byte(change.ChangeID)
		for _, name := range [][]byte{bucketOutbox, bucketConflicts, bucketFailed} {
			b, err := bucket(tx, name)
			if err != nil {
				return err
			}
			if b.Get(key) != nil {
				return fmt.Errorf("%w: %s", storage.ErrDuplicateChange, change.ChangeID)
			}
		}

		seq, err := outbox.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		return putJSON(outbox, key, &storage.PendingChange{
			Change:     change,
			Seq:        seq,
			EnqueuedAt: s.now().UTC(),
		})
	})
}

// ListPending returns pending changes in enqueue order
func (s *Storage) ListPending(ctx context.Context) ([]*storage.PendingChange, error) {
	var pending []*storage.PendingChange

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var p storage.PendingChange
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to unmarshal pending change %s: %w", k, err)
			}
			pending = append(pending, &p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	return pending, nil
}

// Acknowledge removes a pending change the server applied
func (s *Storage) Acknowledge(ctx context.Context, changeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := takePending(tx, changeID)
		return err
	})
}

// RecordAttempt keeps the change pending and stores the retryable error
func (s *Storage) RecordAttempt(ctx context.Context, changeID, lastError string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		outbox, err := bucket(tx, bucketOutbox)
		if err != nil {
			return err
		}

		p, err := getPending(outbox, changeID)
		if err != nil {
			return err
		}

		p.Attempts++
		p.LastError = lastError
		return putJSON(outbox, []byte(changeID), p)
	})
}

// MoveToConflict moves a pending change to the conflict list
func (s *Storage) MoveToConflict(ctx context.Context, changeID string, conflict *storage.ConflictRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		p, err := takePending(tx, changeID)
		if err != nil {
			return err
		}

		conflicts, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}

		record := *conflict
		record.Change = p.Change
		if record.DetectedAt.IsZero() {
			record.DetectedAt = s.now().UTC()
		}
		return putJSON(conflicts, []byte(changeID), &record)
	})
}

// MoveToFailed moves a pending change to the failed list
func (s *Storage) MoveToFailed(ctx context.Context, changeID string, failed *storage.FailedChange) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		p, err := takePending(tx, changeID)
		if err != nil {
			return err
		}

		b, err := bucket(tx, bucketFailed)
		if err != nil {
			return err
		}

		record := *failed
		record.Change = p.Change
		if record.FailedAt.IsZero() {
			record.FailedAt = s.now().UTC()
		}
		return putJSON(b, []byte(changeID), &record)
	})
}

// ListConflicts returns unresolved conflicts ordered by detection time
func (s *Storage) ListConflicts(ctx context.Context) ([]*storage.ConflictRecord, error) {
	var conflicts []*storage.ConflictRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var c storage.ConflictRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to unmarshal conflict %s: %w", k, err)
			}
			conflicts = append(conflicts, &c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	sort.SliceStable(conflicts, func(i, j int) bool { return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt) })
	return conflicts, nil
}

// GetConflict returns ErrConflictNotFound if nothing is recorded for changeID
func (s *Storage) GetConflict(ctx context.Context, changeID string) (*storage.ConflictRecord, error) {
	var conflict *storage.ConflictRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}

		raw := b.Get([]byte(changeID))
		if raw == nil {
			return storage.ErrConflictNotFound
		}

		conflict = &storage.ConflictRecord{}
		return json.Unmarshal(raw, conflict)
	})
	if err != nil {
		return nil, err
	}

	return conflict, nil
}

// DeleteConflict removes a resolved conflict
func (s *Storage) DeleteConflict(ctx context.Context, changeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}

		if b.Get([]byte(changeID)) == nil {
			return storage.ErrConflictNotFound
		}
		return b.Delete([]byte(changeID))
	})
}

// ListFailed returns changes rejected with a non-retryable error
func (s *Storage) ListFailed(ctx context.Context) ([]*storage.FailedChange, error) {
	var failed []*storage.FailedChange

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketFailed)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var f storage.FailedChange
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("failed to unmarshal failed change %s: %w", k, err)
			}
			failed = append(failed, &f)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed changes: %w", err)
	}

	sort.SliceStable(failed, func(i, j int) bool { return failed[i].FailedAt.Before(failed[j].FailedAt) })
	return failed, nil
}

func getPending(outbox *bbolt.Bucket, changeID string) (*storage.PendingChange, error) {
	raw := outbox.Get([]byte(changeID))
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrChangeNotFound, changeID)
	}

	var p storage.PendingChange
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending change: %w", err)
	}
	return &p, nil
}

// takePending удаляет изменение из очереди и возвращает его
func takePending(tx *bbolt.Tx, changeID string) (*storage.PendingChange, error) {
	outbox, err := bucket(tx, bucketOutbox)
	if err != nil {
		return nil, err
	}

	p, err := getPending(outbox, changeID)
	if err != nil {
		return nil, err
	}

	if err := outbox.Delete([]byte(changeID)); err != nil {
		return nil, fmt.Errorf("failed to delete pending change: %w", err)
	}
	return p, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}
