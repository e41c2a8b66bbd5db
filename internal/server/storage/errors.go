package storage

import "errors"

// Common storage errors
var (
	// ErrEntityNotFound indicates that entity was not found (or belongs to another company)
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityExists indicates that entity with this kind and id already exists
	ErrEntityExists = errors.New("entity already exists")

	// ErrVersionMismatch indicates that entity was modified since the expected version was read
	ErrVersionMismatch = errors.New("entity version mismatch")

	// ErrLedgerEntryNotFound indicates that sync ledger entry was not found
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidTransition indicates an attempt to move a ledger entry out of a terminal status
	ErrInvalidTransition = errors.New("invalid ledger status transition")
)
