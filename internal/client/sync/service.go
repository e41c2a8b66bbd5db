package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	httpClient "github.com/iudanet/fleetsync/internal/client/api"
	"github.com/iudanet/fleetsync/internal/client/storage"
	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/validation"
	"github.com/iudanet/fleetsync/pkg/api"
)

//go:generate moq -out service_mock.go . Service

// Resolution выбор пользователя для конфликтного изменения
type Resolution string

const (
	// KeepServer drops the local change and keeps the server copy.
	KeepServer Resolution = "keep-server"
	// Overwrite re-submits the local payload as a new change.
	Overwrite Resolution = "overwrite"
)

// ParseResolution parses a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case KeepServer, Overwrite:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("unknown resolution %q (want %s or %s)", s, KeepServer, Overwrite)
}

// Session учетные данные, под которыми идет синхронизация
type Session struct {
	AccessToken string
	CompanyID   string
}

// Service определяет интерфейс для sync.Service
type Service interface {
	// Enqueue validates a local change, queues it and applies it to the replica
	Enqueue(ctx context.Context, companyID string, change models.ChangeRequest) error

	// Push sends pending changes and records the per-change outcome
	Push(ctx context.Context, sess Session) (*PushResult, error)

	// Pull fetches server changes since the watermark and merges them
	Pull(ctx context.Context, sess Session) (*PullResult, error)

	// Sync выполняет push, затем pull
	Sync(ctx context.Context, sess Session) (*SyncResult, error)

	// ResolveConflict applies the user's decision to a recorded conflict
	ResolveConflict(ctx context.Context, sess Session, changeID string, resolution Resolution) (string, error)
}

// PushResult contains push outcome counters
type PushResult struct {
	Sent      int // отправлено изменений
	Succeeded int // подтверждено сервером
	Conflicts int // перемещено в конфликты
	Failed    int // отклонено без повтора
	Retrying  int // осталось в очереди
}

// PullResult contains pull outcome counters
type PullResult struct {
	Watermark time.Time
	Received  int // получено изменений
	Merged    int // заменили локальную копию
	Pages     int
}

// SyncResult contains sync operation results
type SyncResult struct {
	Push PushResult
	Pull PullResult
}

type service struct {
	apiClient httpClient.ClientAPI
	outbox    storage.OutboxStorage
	replica   storage.ReplicaStorage
	metadata  storage.MetadataStorage
	logger    *slog.Logger
	now       func() time.Time
	pageLimit int // размер страницы pull, 0 - по умолчанию сервера
}

// NewService creates a new sync service
func NewService(
	apiClient httpClient.ClientAPI,
	outbox storage.OutboxStorage,
	replica storage.ReplicaStorage,
	metadata storage.MetadataStorage,
	logger *slog.Logger,
	pageLimit int,
) Service {
	return &service{
		apiClient: apiClient,
		outbox:    outbox,
		replica:   replica,
		metadata:  metadata,
		logger:    logger,
		now:       time.Now,
		pageLimit: pageLimit,
	}
}

// Enqueue validates a local change, queues it and applies it to the replica
func (s *service) Enqueue(ctx context.Context, companyID string, change models.ChangeRequest) error {
	if change.ClientTimestamp.IsZero() {
		change.ClientTimestamp = s.now().UTC()
	}

	if err := validation.ValidateChange(change, s.now()); err != nil {
		return fmt.Errorf("invalid change: %w", err)
	}

	existing, err := s.replica.GetEntity(ctx, change.EntityKind, change.EntityID)
	switch {
	case err == nil:
		if change.Version == nil && change.Operation != models.OpCreate {
			v := existing.Version
			change.Version = &v
		}
	case errors.Is(err, storage.ErrEntityNotFound):
		existing = nil
	default:
		return fmt.Errorf("failed to read replica: %w", err)
	}

	if err := s.outbox.Enqueue(ctx, change); err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}

	if err := s.replica.PutEntity(ctx, optimisticEdit(existing, change, companyID)); err != nil {
		// изменение уже в очереди, локальная копия обновится после sync
		s.logger.WarnContext(ctx, "Failed to apply change to replica",
			slog.String("change_id", change.ChangeID),
			slog.String("error", err.Error()))
	}

	s.logger.DebugContext(ctx, "Change enqueued",
		slog.String("change_id", change.ChangeID),
		slog.String("entity_kind", string(change.EntityKind)),
		slog.String("entity_id", change.EntityID),
		slog.String("operation", string(change.Operation)))

	return nil
}

// Push sends pending changes and records the per-change outcome.
// A transport or whole-request error leaves every change pending.
func (s *service) Push(ctx context.Context, sess Session) (*PushResult, error) {
	result := &PushResult{}

	pending, err := s.outbox.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	if len(pending) == 0 {
		return result, nil
	}

	deviceID, err := s.metadata.GetDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device id: %w", err)
	}

	req := api.PushRequest{
		DeviceID: deviceID,
		Changes:  make([]api.ChangeRequest, 0, len(pending)),
	}
	if last, err := s.metadata.GetLastSync(ctx); err == nil && !last.IsZero() {
		req.LastSyncTimestamp = &last
	}

	byID := make(map[string]*storage.PendingChange, len(pending))
	for _, p := range pending {
		req.Changes = append(req.Changes, toAPIChange(p.Change))
		byID[p.Change.ChangeID] = p
	}
	result.Sent = len(pending)

	s.logger.InfoContext(ctx, "Pushing changes", slog.Int("count", len(pending)))

	resp, err := s.apiClient.Push(ctx, sess.AccessToken, req)
	if err != nil {
		return nil, err
	}

	var snapshots []*models.Entity
	for _, r := range resp.Results {
		p, ok := byID[r.ChangeID]
		if !ok {
			s.logger.WarnContext(ctx, "Result for unknown change", slog.String("change_id", r.ChangeID))
			continue
		}
		delete(byID, r.ChangeID)

		if err := s.recordResult(ctx, sess, p, r, result); err != nil {
			return result, err
		}
		snapshots = append(snapshots, childSnapshots(r.Children, sess.CompanyID)...)
	}

	// изменения без результата остаются в очереди
	for id := range byID {
		if err := s.outbox.RecordAttempt(ctx, id, "no result returned by server"); err != nil {
			return result, fmt.Errorf("failed to record attempt: %w", err)
		}
		result.Retrying++
	}

	if len(snapshots) > 0 {
		if _, err := s.replica.MergeEntities(ctx, snapshots); err != nil {
			return result, fmt.Errorf("failed to merge child snapshots: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "Push completed",
		slog.Int("sent", result.Sent),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("conflicts", result.Conflicts),
		slog.Int("failed", result.Failed),
		slog.Int("retrying", result.Retrying))

	return result, nil
}

func (s *service) recordResult(ctx context.Context, sess Session, p *storage.PendingChange, r api.ChangeResult, result *PushResult) error {
	id := p.Change.ChangeID
	snapshot := fromSnapshot(r.ServerSnapshot, sess.CompanyID)

	switch {
	case r.Status == api.StatusSuccess:
		if err := s.outbox.Acknowledge(ctx, id); err != nil {
			return fmt.Errorf("failed to acknowledge %s: %w", id, err)
		}
		// копия сервера заменяет оптимистичную правку
		if snapshot != nil {
			if err := s.replica.PutEntity(ctx, snapshot); err != nil {
				return fmt.Errorf("failed to store snapshot for %s: %w", id, err)
			}
		}
		result.Succeeded++

	case r.Status == api.StatusConflict:
		err := s.outbox.MoveToConflict(ctx, id, &storage.ConflictRecord{
			Change:         p.Change,
			ServerSnapshot: snapshot,
			Message:        r.Error,
			DetectedAt:     s.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to record conflict for %s: %w", id, err)
		}
		s.logger.WarnContext(ctx, "Change conflicts with server copy",
			slog.String("change_id", id),
			slog.String("entity_id", p.Change.EntityID))
		result.Conflicts++

	case r.Retryable:
		if err := s.outbox.RecordAttempt(ctx, id, r.Error); err != nil {
			return fmt.Errorf("failed to record attempt for %s: %w", id, err)
		}
		result.Retrying++

	default:
		err := s.outbox.MoveToFailed(ctx, id, &storage.FailedChange{
			Change:    p.Change,
			ErrorCode: r.ErrorCode,
			Error:     r.Error,
			FailedAt:  s.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to record failure for %s: %w", id, err)
		}
		s.logger.WarnContext(ctx, "Change rejected by server",
			slog.String("change_id", id),
			slog.String("error_code", r.ErrorCode),
			slog.String("error", r.Error))
		result.Failed++
	}

	return nil
}

func childSnapshots(children []api.ChangeResult, companyID string) []*models.Entity {
	var out []*models.Entity
	for _, c := range children {
		if c.Status == api.StatusSuccess && c.ServerSnapshot != nil {
			out = append(out, fromSnapshot(c.ServerSnapshot, companyID))
		}
		out = append(out, childSnapshots(c.Children, companyID)...)
	}
	return out
}

// Pull fetches server changes since the watermark and merges them.
// The watermark advances after every merged page.
func (s *service) Pull(ctx context.Context, sess Session) (*PullResult, error) {
	result := &PullResult{}

	since, err := s.metadata.GetLastSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync timestamp: %w", err)
	}

	for {
		req := api.PullRequest{Limit: s.pageLimit}
		if !since.IsZero() {
			req.LastSyncTimestamp = &since
		}

		resp, err := s.apiClient.Pull(ctx, sess.AccessToken, req)
		if err != nil {
			return result, err
		}
		result.Pages++
		result.Received += len(resp.Changes)

		entities := make([]*models.Entity, 0, len(resp.Changes))
		for _, c := range resp.Changes {
			if e := fromSnapshot(c.Data, sess.CompanyID); e != nil {
				entities = append(entities, e)
			}
		}

		if len(entities) > 0 {
			merged, err := s.replica.MergeEntities(ctx, entities)
			if err != nil {
				return result, fmt.Errorf("failed to merge pulled entities: %w", err)
			}
			result.Merged += merged
		}

		// Водяной знак - nextSince, если сервер его отдал; serverTimestamp только
		// для пустой выборки с нуля
		next := resp.ServerTimestamp
		if resp.NextSince != nil {
			next = *resp.NextSince
		}
		if err := s.metadata.SaveLastSync(ctx, next); err != nil {
			return result, fmt.Errorf("failed to save last sync timestamp: %w", err)
		}
		result.Watermark = next

		// nextSince, не сдвинувший водяной знак, зациклил бы pull
		if !resp.HasMore || resp.NextSince == nil || !next.After(since) {
			break
		}
		since = next
	}

	s.logger.InfoContext(ctx, "Pull completed",
		slog.Int("received", result.Received),
		slog.Int("merged", result.Merged),
		slog.Int("pages", result.Pages),
		slog.Time("watermark", result.Watermark))

	return result, nil
}

// Sync выполняет push, затем pull
func (s *service) Sync(ctx context.Context, sess Session) (*SyncResult, error) {
	result := &SyncResult{}

	push, err := s.Push(ctx, sess)
	if push != nil {
		result.Push = *push
	}
	if err != nil {
		return result, fmt.Errorf("push failed: %w", err)
	}

	pull, err := s.Pull(ctx, sess)
	if pull != nil {
		result.Pull = *pull
	}
	if err != nil {
		return result, fmt.Errorf("pull failed: %w", err)
	}

	return result, nil
}

// ResolveConflict applies the user's decision to a recorded conflict.
// For Overwrite it returns the id of the re-enqueued change.
func (s *service) ResolveConflict(ctx context.Context, sess Session, changeID string, resolution Resolution) (string, error) {
	conflict, err := s.outbox.GetConflict(ctx, changeID)
	if err != nil {
		return "", err
	}

	var newID string
	switch resolution {
	case KeepServer:
		if conflict.ServerSnapshot != nil {
			if err := s.replica.PutEntity(ctx, conflict.ServerSnapshot); err != nil {
				return "", fmt.Errorf("failed to store server copy: %w", err)
			}
		}

	case Overwrite:
		change := conflict.Change
		change.ChangeID = uuid.NewString()
		change.ClientTimestamp = s.now().UTC()
		change.Version = nil
		if conflict.ServerSnapshot != nil {
			v := conflict.ServerSnapshot.Version
			change.Version = &v
		}
		if err := s.outbox.Enqueue(ctx, change); err != nil {
			return "", fmt.Errorf("failed to re-enqueue change: %w", err)
		}
		newID = change.ChangeID

	default:
		return "", fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := s.outbox.DeleteConflict(ctx, changeID); err != nil {
		return "", fmt.Errorf("failed to delete conflict: %w", err)
	}

	s.logger.InfoContext(ctx, "Conflict resolved",
		slog.String("change_id", changeID),
		slog.String("resolution", string(resolution)),
		slog.String("new_change_id", newID))

	return newID, nil
}
