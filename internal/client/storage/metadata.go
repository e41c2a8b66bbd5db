package storage

import (
	"context"
	"time"
)

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage defines interface for storing client metadata
type MetadataStorage interface {
	// SaveLastSync saves the pull watermark
	SaveLastSync(ctx context.Context, at time.Time) error

	// GetLastSync retrieves the pull watermark
	// Returns zero time if no pull has completed yet
	GetLastSync(ctx context.Context) (time.Time, error)

	// GetDeviceID returns the device id, generating and persisting one on first use
	GetDeviceID(ctx context.Context) (string, error)
}
