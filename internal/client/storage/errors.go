package storage

import "errors"

// Common client storage errors
var (
	// ErrAuthNotFound indicates that no authentication data exists
	ErrAuthNotFound = errors.New("authentication data not found")

	// ErrChangeNotFound indicates that a queued change was not found
	ErrChangeNotFound = errors.New("change not found")

	// ErrConflictNotFound indicates that no conflict is recorded for the change
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrEntityNotFound indicates that the entity is not in the local replica
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDuplicateChange indicates that a change with the same id is already queued
	ErrDuplicateChange = errors.New("change already queued")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
