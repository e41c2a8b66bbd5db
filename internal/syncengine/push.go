package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage"
	"github.com/iudanet/fleetsync/internal/validation"
)

const (
	// AuditSource помечает записи аудита, созданные синхронизацией
	AuditSource = "offline_sync"

	// ledgerWriteTimeout bounds terminal ledger and audit writes, which run
	// detached from the (possibly expired) change context.
	ledgerWriteTimeout = 5 * time.Second

	tracerName = "github.com/iudanet/fleetsync/internal/syncengine"
)

// ErrBatchTooLarge rejects a push request with too many changes
var ErrBatchTooLarge = errors.New("push batch too large")

// Outcome is the per-change result status.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeConflict Outcome = "conflict"
	OutcomeError    Outcome = "error"
)

// ChangeResult is the outcome of one submitted change.
type ChangeResult struct {
	ServerSnapshot *models.Entity // для success и conflict
	Children       []ChangeResult // дочерние операции (запчасти при создании оборудования)
	ChangeID       string
	LedgerID       string
	Status         Outcome
	Error          string
	ErrorCode      Code
	Retryable      bool
	Duplicate      bool // изменение уже было применено ранее
}

// PushSummary counts top-level results.
type PushSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Conflicts  int `json:"conflicts"`
	Errors     int `json:"errors"`
}

// PushResult is the response to a push batch.
type PushResult struct {
	ServerTimestamp time.Time
	Results         []ChangeResult
	Summary         PushSummary
}

// PushConfig tunes the push coordinator.
type PushConfig struct {
	ApplyTimeout      time.Duration // per-change timeout
	Concurrency       int           // changes applied in parallel, <= 0 means unlimited
	MaxBatch          int           // <= 0 means unlimited
	OptimisticLocking bool          // compare-and-swap on the version read during conflict detection
}

// DefaultPushConfig returns production defaults
func DefaultPushConfig() PushConfig {
	return PushConfig{
		ApplyTimeout:      30 * time.Second,
		Concurrency:       8,
		MaxBatch:          500,
		OptimisticLocking: true,
	}
}

// PushCoordinator applies batches of client changes.
type PushCoordinator struct {
	store   EntityStore
	ledger  Ledger
	audit   AuditSink
	applier *Applier
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	cfg     PushConfig
}

// NewPushCoordinator creates a new PushCoordinator
func NewPushCoordinator(store EntityStore, ledger Ledger, audit AuditSink, cfg PushConfig, logger *slog.Logger) *PushCoordinator {
	return &PushCoordinator{
		store:   store,
		ledger:  ledger,
		audit:   audit,
		applier: NewApplier(store),
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		cfg:     cfg,
	}
}

// ValidateBatch checks request-level constraints. Everything else is judged per change.
func (p *PushCoordinator) ValidateBatch(changes []models.ChangeRequest) error {
	if p.cfg.MaxBatch > 0 && len(changes) > p.cfg.MaxBatch {
		return fmt.Errorf("%w: %d changes, limit is %d", ErrBatchTooLarge, len(changes), p.cfg.MaxBatch)
	}

	seen := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		if change.ChangeID == "" {
			continue
		}
		if _, ok := seen[change.ChangeID]; ok {
			return fmt.Errorf("%w: changeId %q is repeated", ErrInvalidBatch, change.ChangeID)
		}
		seen[change.ChangeID] = struct{}{}
	}

	return nil
}

// Push applies every change independently and returns results in submission order.
// The returned error is non-nil only when the batch as a whole is rejected.
func (p *PushCoordinator) Push(ctx context.Context, sub models.Submitter, changes []models.ChangeRequest) (*PushResult, error) {
	if err := p.ValidateBatch(changes); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "syncengine.Push", trace.WithAttributes(
		attribute.String("sync.device_id", sub.DeviceID),
		attribute.Int("sync.changes", len(changes)),
	))
	defer span.End()

	results := make([]ChangeResult, len(changes))

	// Горутины всегда возвращают nil: ошибка одного изменения не отменяет соседей
	var g errgroup.Group
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for i, change := range changes {
		g.Go(func() error {
			results[i] = p.processChange(ctx, sub, change, "")
			return nil
		})
	}
	_ = g.Wait()

	summary := PushSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case OutcomeSuccess:
			summary.Successful++
		case OutcomeConflict:
			summary.Conflicts++
		case OutcomeError:
			summary.Errors++
		}
	}

	span.SetAttributes(
		attribute.Int("sync.successful", summary.Successful),
		attribute.Int("sync.conflicts", summary.Conflicts),
		attribute.Int("sync.errors", summary.Errors),
	)

	p.logger.InfoContext(ctx, "Push completed",
		slog.String("user_id", sub.UserID),
		slog.String("device_id", sub.DeviceID),
		slog.Int("total", summary.Total),
		slog.Int("successful", summary.Successful),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int("errors", summary.Errors),
	)

	return &PushResult{
		ServerTimestamp: p.now().UTC(),
		Results:         results,
		Summary:         summary,
	}, nil
}

// outcome is the internal verdict for one change before it is written to the ledger.
type outcome struct {
	applied     *Applied
	snapshot    *models.Entity
	err         *ChangeError
	auditErr    error
	conflict    Conflict
	duplicateOf string
	status      Outcome
}

func failed(err *ChangeError) outcome {
	return outcome{status: OutcomeError, err: err}
}

func (p *PushCoordinator) processChange(ctx context.Context, sub models.Submitter, change models.ChangeRequest, parentChangeID string) ChangeResult {
	ctx, span := p.tracer.Start(ctx, "syncengine.ApplyChange", trace.WithAttributes(
		attribute.String("sync.change_id", change.ChangeID),
		attribute.String("sync.entity_kind", string(change.EntityKind)),
		attribute.String("sync.entity_id", change.EntityID),
		attribute.String("sync.operation", string(change.Operation)),
	))
	defer span.End()

	payload, hash, fpErr := fingerprint(change.Payload)

	entry := &models.LedgerEntry{
		ID:              uuid.New().String(),
		UserID:          sub.UserID,
		CompanyID:       sub.CompanyID,
		DeviceID:        sub.DeviceID,
		ChangeID:        change.ChangeID,
		EntityKind:      change.EntityKind,
		EntityID:        change.EntityID,
		Operation:       change.Operation,
		Payload:         payload,
		PayloadHash:     hash,
		Status:          models.LedgerPending,
		ClientTimestamp: change.ClientTimestamp,
		Metadata: models.LedgerMetadata{
			Source:         AuditSource,
			ClientVersion:  change.Version,
			ParentChangeID: parentChangeID,
		},
	}

	if err := p.ledger.CreateLedgerEntry(ctx, entry); err != nil {
		ce := classify(change.Operation, change.EntityKind, err)
		p.logger.ErrorContext(ctx, "Failed to create ledger entry",
			slog.String("change_id", change.ChangeID),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, ce.Error())
		return ChangeResult{
			ChangeID:  change.ChangeID,
			Status:    OutcomeError,
			Error:     ce.Err.Error(),
			ErrorCode: ce.Code,
			Retryable: ce.Retryable,
		}
	}

	var out outcome
	if fpErr != nil {
		out = failed(&ChangeError{Code: CodeValidationFailed, Op: change.Operation, Kind: change.EntityKind, Err: fpErr})
	} else {
		applyCtx, cancel := context.WithTimeout(ctx, p.cfg.ApplyTimeout)
		out = p.run(applyCtx, sub, change, entry)
		cancel()
	}

	p.finish(ctx, entry, out)

	result := ChangeResult{
		ChangeID:  change.ChangeID,
		LedgerID:  entry.ID,
		Status:    out.status,
		Duplicate: out.duplicateOf != "",
	}

	switch out.status {
	case OutcomeSuccess:
		if out.applied != nil {
			result.ServerSnapshot = out.applied.After
		}
	case OutcomeConflict:
		result.ServerSnapshot = out.snapshot
		p.logger.WarnContext(ctx, "Change conflicts with server state",
			slog.String("change_id", change.ChangeID),
			slog.String("entity_kind", string(change.EntityKind)),
			slog.String("entity_id", change.EntityID),
			slog.Time("client_timestamp", change.ClientTimestamp),
			slog.Time("server_updated_at", out.conflict.ServerUpdatedAt),
		)
	case OutcomeError:
		result.Error = out.err.Err.Error()
		result.ErrorCode = out.err.Code
		result.Retryable = out.err.Retryable
		span.SetStatus(codes.Error, out.err.Error())
		p.logger.DebugContext(ctx, "Change failed",
			slog.String("change_id", change.ChangeID),
			slog.String("code", string(out.err.Code)),
			slog.String("error", out.err.Err.Error()),
		)
	}

	if out.applied != nil {
		for i, child := range out.applied.Children {
			result.Children = append(result.Children, p.processChange(ctx, sub, childChange(change, child, i), change.ChangeID))
		}
	}

	return result
}

// childChange builds the derived create of a child enumerated in the parent payload.
func childChange(parent models.ChangeRequest, child ChildCreate, i int) models.ChangeRequest {
	payload := models.CloneFields(child.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	payload[child.ParentField] = parent.EntityID

	return models.ChangeRequest{
		ChangeID:        derivedChangeID(parent.ChangeID, string(child.Kind), i, validation.MaxIdentifierLen),
		EntityKind:      child.Kind,
		EntityID:        child.EntityID,
		Operation:       models.OpCreate,
		ClientTimestamp: parent.ClientTimestamp,
		Payload:         payload,
	}
}

func (p *PushCoordinator) run(ctx context.Context, sub models.Submitter, change models.ChangeRequest, entry *models.LedgerEntry) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "Panic while applying change",
				slog.String("change_id", change.ChangeID),
				slog.Any("panic", r),
			)
			out = failed(&ChangeError{Code: CodeInternal, Op: change.Operation, Kind: change.EntityKind, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := validation.ValidateChange(change, p.now()); err != nil {
		return failed(&ChangeError{Code: CodeValidationFailed, Op: change.Operation, Kind: change.EntityKind, Err: err})
	}

	prior, err := p.ledger.FindAppliedChange(ctx, sub.UserID, sub.DeviceID, change.ChangeID)
	switch {
	case err == nil:
		if prior.PayloadHash == entry.PayloadHash && prior.EntityKind == change.EntityKind &&
			prior.EntityID == change.EntityID && prior.Operation == change.Operation {
			return outcome{status: OutcomeSuccess, duplicateOf: prior.ID}
		}
		return failed(&ChangeError{
			Code: CodeChangeIDReused,
			Op:   change.Operation,
			Kind: change.EntityKind,
			Err:  fmt.Errorf("changeId %q was already applied with a different payload", change.ChangeID),
		})
	case errors.Is(err, storage.ErrLedgerEntryNotFound):
	default:
		return failed(classifyContext(ctx, change.Operation, change.EntityKind, err))
	}

	var current *models.Entity
	if change.Operation == models.OpUpdate || change.Operation == models.OpDelete {
		current, err = p.store.GetEntity(ctx, change.EntityKind, change.EntityID)
		if err != nil && !errors.Is(err, storage.ErrEntityNotFound) {
			return failed(classifyContext(ctx, change.Operation, change.EntityKind, err))
		}
		// чужие сущности не видны, их отсутствие обработает applier
		if current != nil && current.CompanyID != sub.CompanyID {
			current = nil
		}

		if c := DetectConflict(change, current); c.Detected {
			return outcome{status: OutcomeConflict, conflict: c, snapshot: current}
		}
	}

	var expectedVersion int64
	if p.cfg.OptimisticLocking && current != nil {
		expectedVersion = current.Version
	}

	applied, err := p.applier.Apply(ctx, sub, change, expectedVersion)
	if errors.Is(err, storage.ErrVersionMismatch) {
		fresh, getErr := p.store.GetEntity(ctx, change.EntityKind, change.EntityID)
		if getErr != nil {
			fresh = current
		}
		return outcome{
			status:   OutcomeConflict,
			snapshot: fresh,
			conflict: Conflict{Detected: true, ServerUpdatedAt: fresh.UpdatedAt, ServerVersion: fresh.Version},
		}
	}
	if err != nil {
		return failed(classifyContext(ctx, change.Operation, change.EntityKind, err))
	}

	out = outcome{status: OutcomeSuccess, applied: applied}
	out.auditErr = p.recordAudit(ctx, sub, change, entry, applied)
	return out
}

func (p *PushCoordinator) recordAudit(ctx context.Context, sub models.Submitter, change models.ChangeRequest, entry *models.LedgerEntry, applied *Applied) error {
	record := &models.AuditRecord{
		CompanyID:  sub.CompanyID,
		UserID:     sub.UserID,
		EntityKind: change.EntityKind,
		EntityID:   change.EntityID,
		Action:     change.Operation.AuditAction(),
		Metadata: map[string]any{
			"source":   AuditSource,
			"changeId": change.ChangeID,
			"deviceId": sub.DeviceID,
			"ledgerId": entry.ID,
		},
	}
	if applied.Before != nil {
		record.OldValues = models.CloneFields(applied.Before.Fields)
	}
	if applied.After != nil {
		record.NewValues = models.CloneFields(applied.After.Fields)
	}

	// Изменение уже применено: аудит пишется даже если время на изменение истекло
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	if err := p.audit.RecordAudit(wctx, record); err != nil {
		p.logger.ErrorContext(ctx, "Failed to record audit",
			slog.String("change_id", change.ChangeID),
			slog.String("ledger_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// finish moves the ledger entry to its terminal status.
func (p *PushCoordinator) finish(ctx context.Context, entry *models.LedgerEntry, out outcome) {
	meta := entry.Metadata
	upd := storage.LedgerUpdate{Metadata: &meta}

	switch out.status {
	case OutcomeSuccess:
		ts := p.now().UTC()
		upd.Status = models.LedgerCompleted
		upd.ServerTimestamp = &ts
		meta.DuplicateOf = out.duplicateOf
		if out.applied != nil && out.applied.After != nil {
			updatedAt := out.applied.After.UpdatedAt
			version := out.applied.After.Version
			meta.ServerUpdatedAt = &updatedAt
			meta.ServerVersion = &version
		}
		if out.auditErr != nil {
			upd.ErrorCode = "AUDIT_FAILED"
			upd.ErrorDetail = out.auditErr.Error()
		}
	case OutcomeConflict:
		upd.Status = models.LedgerConflict
		meta.ConflictDetected = true
		meta.ServerUpdatedAt = &out.conflict.ServerUpdatedAt
		meta.ServerVersion = &out.conflict.ServerVersion
	default:
		upd.Status = models.LedgerFailed
		upd.ErrorCode = string(out.err.Code)
		upd.ErrorDetail = out.err.Err.Error()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	if err := p.ledger.TransitionLedgerEntry(wctx, entry.ID, upd); err != nil {
		// запись останется pending, ее найдет LedgerMonitor
		p.logger.ErrorContext(ctx, "Failed to finalize ledger entry",
			slog.String("ledger_id", entry.ID),
			slog.String("change_id", entry.ChangeID),
			slog.String("status", string(upd.Status)),
			slog.String("error", err.Error()),
		)
	}
}
