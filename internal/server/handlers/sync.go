package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage"
	"github.com/iudanet/fleetsync/internal/syncengine"
	"github.com/iudanet/fleetsync/internal/validation"
	"github.com/iudanet/fleetsync/pkg/api"
)

const (
	// DefaultMaxBodyBytes ограничивает размер тела запроса
	DefaultMaxBodyBytes = 10 << 20

	defaultLedgerLimit = 100
	maxLedgerLimit     = 1000
)

// Pusher применяет пакет изменений
type Pusher interface {
	Push(ctx context.Context, sub models.Submitter, changes []models.ChangeRequest) (*syncengine.PushResult, error)
}

// Puller отдает изменения с сервера
type Puller interface {
	Pull(ctx context.Context, companyID string, req syncengine.PullRequest) (*syncengine.PullResult, error)
}

// LedgerReader читает журнал синхронизации
type LedgerReader interface {
	ListLedgerEntries(ctx context.Context, filter storage.LedgerFilter) ([]*models.LedgerEntry, error)
	CountLedgerByStatus(ctx context.Context, userID, deviceID string) (map[models.LedgerStatus]int, error)
	LastCompletedAt(ctx context.Context, userID, deviceID string) (*time.Time, error)
}

// StaleCounter считает зависшие pending записи
type StaleCounter interface {
	StaleCount(ctx context.Context, userID, deviceID string) (int, error)
}

// SyncConfig limits accepted by the sync endpoints.
type SyncConfig struct {
	MaxBodyBytes  int64
	PullPageLimit int // used when the client sends no limit or a larger one
}

// SyncHandler handles synchronization requests
type SyncHandler struct {
	logger *slog.Logger
	pusher Pusher
	puller Puller
	ledger LedgerReader
	stale  StaleCounter
	now    func() time.Time
	cfg    SyncConfig
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, pusher Pusher, puller Puller, ledger LedgerReader, stale StaleCounter, cfg SyncConfig) *SyncHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &SyncHandler{
		logger: logger,
		pusher: pusher,
		puller: puller,
		ledger: ledger,
		stale:  stale,
		now:    time.Now,
		cfg:    cfg,
	}
}

// principal извлекает пользователя и компанию из контекста (установлены AuthMiddleware)
func (h *SyncHandler) principal(w http.ResponseWriter, r *http.Request) (userID, companyID string, ok bool) {
	userID, okUser := GetUserID(r.Context())
	companyID, okCompany := GetCompanyID(r.Context())
	if !okUser || !okCompany {
		h.logger.ErrorContext(r.Context(), "Principal not found in context")
		sendError(w, h.logger, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	return userID, companyID, true
}

// decode читает JSON тело запроса; пустое тело допустимо, если allowEmpty
func (h *SyncHandler) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)

	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		sendError(w, h.logger, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), http.StatusRequestEntityTooLarge)
		return false
	}

	h.logger.WarnContext(r.Context(), "Failed to decode request", slog.String("error", err.Error()))
	sendError(w, h.logger, "invalid request body", http.StatusBadRequest)
	return false
}

// Push обрабатывает POST /api/v1/sync/push
// Применяет изменения клиента, каждое независимо от остальных
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, h.logger, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, companyID, ok := h.principal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req api.PushRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	if err := validation.ValidateDeviceID(req.DeviceID); err != nil {
		sendError(w, h.logger, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.InfoContext(ctx, "Push request",
		slog.String("user_id", userID),
		slog.String("device_id", req.DeviceID),
		slog.Int("changes", len(req.Changes)),
	)

	changes := make([]models.ChangeRequest, 0, len(req.Changes))
	for _, c := range req.Changes {
		changes = append(changes, FromAPIChange(c))
	}

	sub := models.Submitter{UserID: userID, CompanyID: companyID, DeviceID: req.DeviceID}
	result, err := h.pusher.Push(ctx, sub, changes)
	if err != nil {
		switch {
		case errors.Is(err, syncengine.ErrBatchTooLarge):
			sendError(w, h.logger, err.Error(), http.StatusRequestEntityTooLarge)
		case errors.Is(err, syncengine.ErrInvalidBatch):
			sendError(w, h.logger, err.Error(), http.StatusBadRequest)
		default:
			h.logger.ErrorContext(ctx, "Push failed", slog.String("error", err.Error()))
			sendError(w, h.logger, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	resp := api.PushResponse{
		ServerTimestamp: result.ServerTimestamp,
		Results:         make([]api.ChangeResult, 0, len(result.Results)),
		Summary: api.PushSummary{
			Total:      result.Summary.Total,
			Successful: result.Summary.Successful,
			Conflicts:  result.Summary.Conflicts,
			Errors:     result.Summary.Errors,
		},
	}
	for _, res := range result.Results {
		resp.Results = append(resp.Results, ToAPIResult(res))
	}

	sendJSON(w, h.logger, resp, http.StatusOK)
}

// Pull обрабатывает POST /api/v1/sync/pull
// Возвращает изменения после lastSyncTimestamp в порядке их времени
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, h.logger, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, companyID, ok := h.principal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req api.PullRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	pull := syncengine.PullRequest{ScopeIDs: req.ScopeIDs, Limit: req.Limit}
	if req.LastSyncTimestamp != nil {
		pull.Since = req.LastSyncTimestamp.UTC()
	}

	for _, raw := range req.EntityKinds {
		kind, err := models.ParseEntityKind(raw)
		if err != nil {
			sendError(w, h.logger, err.Error(), http.StatusBadRequest)
			return
		}
		pull.Kinds = append(pull.Kinds, kind)
	}

	for _, id := range req.ScopeIDs {
		if err := validation.ValidateIdentifier("scopeIds", id); err != nil {
			sendError(w, h.logger, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if pull.Limit < 0 {
		sendError(w, h.logger, "limit cannot be negative", http.StatusBadRequest)
		return
	}
	if h.cfg.PullPageLimit > 0 && (pull.Limit == 0 || pull.Limit > h.cfg.PullPageLimit) {
		pull.Limit = h.cfg.PullPageLimit
	}

	result, err := h.puller.Pull(ctx, companyID, pull)
	if err != nil {
		h.logger.ErrorContext(ctx, "Pull failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		sendError(w, h.logger, "storage unavailable, retry later", http.StatusServiceUnavailable)
		return
	}

	resp := api.PullResponse{
		ServerTimestamp: result.ServerTimestamp,
		NextSince:       result.NextSince,
		HasMore:         result.HasMore,
		Changes:         make([]api.PullChange, 0, len(result.Changes)),
	}
	for _, c := range result.Changes {
		resp.Changes = append(resp.Changes, api.PullChange{
			EntityKind: string(c.Entity.Kind),
			EntityID:   c.Entity.ID,
			Operation:  string(c.Operation),
			Timestamp:  c.Timestamp,
			Data:       ToSnapshot(c.Entity),
		})
	}

	h.logger.InfoContext(ctx, "Pull completed",
		slog.String("user_id", userID),
		slog.Int("changes", len(resp.Changes)),
		slog.Bool("has_more", resp.HasMore),
	)

	sendJSON(w, h.logger, resp, http.StatusOK)
}

// Status обрабатывает GET /api/v1/sync/status?deviceId=
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, h.logger, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, _, ok := h.principal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	deviceID := r.URL.Query().Get("deviceId")
	if deviceID != "" {
		if err := validation.ValidateDeviceID(deviceID); err != nil {
			sendError(w, h.logger, err.Error(), http.StatusBadRequest)
			return
		}
	}

	counts, err := h.ledger.CountLedgerByStatus(ctx, userID, deviceID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to count ledger entries", slog.String("error", err.Error()))
		sendError(w, h.logger, "internal server error", http.StatusInternalServerError)
		return
	}

	last, err := h.ledger.LastCompletedAt(ctx, userID, deviceID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to get last completed change", slog.String("error", err.Error()))
		sendError(w, h.logger, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := api.StatusResponse{
		ServerTimestamp: h.now().UTC(),
		LastCompletedAt: last,
		DeviceID:        deviceID,
		Counts: map[string]int{
			string(models.LedgerPending):   counts[models.LedgerPending],
			string(models.LedgerCompleted): counts[models.LedgerCompleted],
			string(models.LedgerFailed):    counts[models.LedgerFailed],
			string(models.LedgerConflict):  counts[models.LedgerConflict],
		},
	}

	if h.stale != nil {
		stale, err := h.stale.StaleCount(ctx, userID, deviceID)
		if err != nil {
			h.logger.ErrorContext(ctx, "Failed to count stale ledger entries", slog.String("error", err.Error()))
		}
		resp.StalePending = stale
	}

	sendJSON(w, h.logger, resp, http.StatusOK)
}

// Ledger обрабатывает GET /api/v1/sync/ledger?deviceId=&status=&limit=
// Записи журнала пользователя, новые первыми
func (h *SyncHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, h.logger, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, _, ok := h.principal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	query := r.URL.Query()

	filter := storage.LedgerFilter{
		UserID:   userID,
		DeviceID: query.Get("deviceId"),
		Status:   models.LedgerStatus(strings.ToLower(query.Get("status"))),
		Limit:    defaultLedgerLimit,
	}

	if filter.DeviceID != "" {
		if err := validation.ValidateDeviceID(filter.DeviceID); err != nil {
			sendError(w, h.logger, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		sendError(w, h.logger, fmt.Sprintf("unknown status %q", filter.Status), http.StatusBadRequest)
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			sendError(w, h.logger, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		filter.Limit = min(limit, maxLedgerLimit)
	}

	entries, err := h.ledger.ListLedgerEntries(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list ledger entries", slog.String("error", err.Error()))
		sendError(w, h.logger, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := api.LedgerResponse{Entries: make([]api.LedgerEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, ToAPILedgerEntry(e))
	}

	sendJSON(w, h.logger, resp, http.StatusOK)
}

// FromAPIChange converts a wire change. Unknown kinds and operations are kept
// verbatim so the change fails validation on its own instead of the whole batch.
func FromAPIChange(c api.ChangeRequest) models.ChangeRequest {
	kind, err := models.ParseEntityKind(c.EntityKind)
	if err != nil {
		kind = models.EntityKind(c.EntityKind)
	}

	return models.ChangeRequest{
		ChangeID:        c.ChangeID,
		EntityKind:      kind,
		EntityID:        c.EntityID,
		Operation:       models.Operation(strings.ToLower(c.Operation)),
		ClientTimestamp: c.ClientTimestamp.UTC(),
		Payload:         c.Payload,
		Version:         c.Version,
	}
}

// ToSnapshot converts an entity to its wire snapshot.
func ToSnapshot(e *models.Entity) *api.EntitySnapshot {
	if e == nil {
		return nil
	}
	return &api.EntitySnapshot{
		Kind:      string(e.Kind),
		ID:        e.ID,
		ParentID:  e.ParentID,
		Data:      e.Fields,
		Version:   e.Version,
		Deleted:   e.Deleted,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// ToAPIResult converts a per-change result, children included.
func ToAPIResult(r syncengine.ChangeResult) api.ChangeResult {
	out := api.ChangeResult{
		ChangeID:       r.ChangeID,
		Status:         string(r.Status),
		ServerSnapshot: ToSnapshot(r.ServerSnapshot),
		Error:          r.Error,
		ErrorCode:      string(r.ErrorCode),
		Retryable:      r.Retryable,
		Duplicate:      r.Duplicate,
	}
	for _, child := range r.Children {
		out.Children = append(out.Children, ToAPIResult(child))
	}
	return out
}

// ToAPILedgerEntry converts a ledger entry for the audit endpoint.
func ToAPILedgerEntry(e *models.LedgerEntry) api.LedgerEntry {
	return api.LedgerEntry{
		ID:              e.ID,
		DeviceID:        e.DeviceID,
		ChangeID:        e.ChangeID,
		EntityKind:      string(e.EntityKind),
		EntityID:        e.EntityID,
		Operation:       string(e.Operation),
		Status:          string(e.Status),
		ErrorCode:       e.ErrorCode,
		ErrorDetail:     e.ErrorDetail,
		ClientTimestamp: e.ClientTimestamp,
		ServerTimestamp: e.ServerTimestamp,
		CreatedAt:       e.CreatedAt,
		Metadata: api.LedgerMetadata{
			ServerUpdatedAt:  e.Metadata.ServerUpdatedAt,
			ServerVersion:    e.Metadata.ServerVersion,
			ClientVersion:    e.Metadata.ClientVersion,
			DuplicateOf:      e.Metadata.DuplicateOf,
			ParentChangeID:   e.Metadata.ParentChangeID,
			Source:           e.Metadata.Source,
			ConflictDetected: e.Metadata.ConflictDetected,
		},
	}
}
