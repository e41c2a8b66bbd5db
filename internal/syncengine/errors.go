package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage"
)

// Code is a machine-readable per-change error code.
type Code string

const (
	CodeEntityNotFound     Code = "ENTITY_NOT_FOUND"
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeEntityExists       Code = "ENTITY_EXISTS"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeChangeIDReused     Code = "CHANGE_ID_REUSED"
	CodeInternal           Code = "INTERNAL"
)

// Error taxonomy. A detected conflict is an outcome, not an error.
var (
	ErrEntityNotFound     = errors.New("entity not found")
	ErrValidationFailed   = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTimeout            = errors.New("change timed out")

	// ErrInvalidBatch rejects a push request as a whole
	ErrInvalidBatch = errors.New("invalid push batch")
)

// ChangeError describes why a single change failed to apply.
type ChangeError struct {
	Err       error
	Code      Code
	Op        models.Operation
	Kind      models.EntityKind
	Retryable bool
}

func (e *ChangeError) Error() string {
	msg := "change failed"
	if e.Op != "" && e.Kind != "" {
		msg = fmt.Sprintf("%s %s failed", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s [%s]: %v", msg, e.Code, e.Err)
}

func (e *ChangeError) Unwrap() error {
	return e.Err
}

// Is matches the taxonomy sentinels by code.
func (e *ChangeError) Is(target error) bool {
	switch target {
	case ErrEntityNotFound:
		return e.Code == CodeEntityNotFound
	case ErrValidationFailed:
		return e.Code == CodeValidationFailed || e.Code == CodeEntityExists || e.Code == CodeChangeIDReused
	case ErrStorageUnavailable:
		return e.Code == CodeStorageUnavailable
	case ErrTimeout:
		return e.Code == CodeTimeout
	}
	return false
}

func validationErrorf(format string, args ...any) error {
	return &ChangeError{Code: CodeValidationFailed, Err: fmt.Errorf(format, args...)}
}

func notFoundErrorf(format string, args ...any) error {
	return &ChangeError{Code: CodeEntityNotFound, Err: fmt.Errorf(format, args...)}
}

// classifyContext is classify for errors raised under ctx. Past the deadline
// an unclassified storage error is reported as TIMEOUT.
func classifyContext(ctx context.Context, op models.Operation, kind models.EntityKind, err error) *ChangeError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var ce *ChangeError
		if !errors.As(err, &ce) || ce.Code == CodeStorageUnavailable {
			return &ChangeError{
				Code:      CodeTimeout,
				Op:        op,
				Kind:      kind,
				Retryable: true,
				Err:       fmt.Errorf("%w: %w", context.DeadlineExceeded, err),
			}
		}
	}
	return classify(op, kind, err)
}

// classify приводит любую ошибку применения к ChangeError
func classify(op models.Operation, kind models.EntityKind, err error) *ChangeError {
	var ce *ChangeError
	if errors.As(err, &ce) {
		out := *ce
		if out.Op == "" {
			out.Op = op
		}
		if out.Kind == "" {
			out.Kind = kind
		}
		return &out
	}

	out := &ChangeError{Err: err, Op: op, Kind: kind}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = CodeTimeout
		out.Retryable = true
	case errors.Is(err, storage.ErrEntityNotFound):
		out.Code = CodeEntityNotFound
	case errors.Is(err, storage.ErrEntityExists):
		out.Code = CodeEntityExists
	default:
		// Всё, что хранилище не классифицировало само, считаем временной ошибкой инфраструктуры
		out.Code = CodeStorageUnavailable
		out.Retryable = true
	}
	return out
}
