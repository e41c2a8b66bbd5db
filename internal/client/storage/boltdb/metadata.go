package boltdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	keyLastSync = []byte("last_sync")
	keyDeviceID = []byte("device_id")
)

// SaveLastSync saves the pull watermark
func (s *Storage) SaveLastSync(ctx context.Context, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}

		if err := b.Put(keyLastSync, []byte(at.UTC().Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("failed to save last sync: %w", err)
		}
		return nil
	})
}

// GetLastSync retrieves the pull watermark
// Returns zero time if no pull has completed yet
func (s *Storage) GetLastSync(ctx context.Context) (time.Time, error) {
	var at time.Time

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}

		raw := b.Get(keyLastSync)
		if raw == nil {
			return nil
		}

		at, err = time.Parse(time.RFC3339Nano, string(raw))
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync: %w", err)
	}

	return at, nil
}

// GetDeviceID returns the device id, generating and persisting one on first use
func (s *Storage) GetDeviceID(ctx context.Context) (string, error) {
	var deviceID string

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}

		if raw := b.Get(keyDeviceID); raw != nil {
			deviceID = string(raw)
			return nil
		}

		deviceID = uuid.NewString()
		return b.Put(keyDeviceID, []byte(deviceID))
	})
	if err != nil {
		return "", fmt.Errorf("failed to get device id: %w", err)
	}

	return deviceID, nil
}
