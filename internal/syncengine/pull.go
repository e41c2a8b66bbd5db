package syncengine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fleetsync/internal/models"
)

// PullRequest selects server changes for a client.
type PullRequest struct {
	Since    time.Time           // Since водяной знак клиента; нулевое значение означает полную выгрузку
	Kinds    []models.EntityKind // пусто - все типы
	ScopeIDs []string            // ограничение по судам
	Limit    int                 // <= 0 - без ограничения
}

// PullChange is one entity snapshot in a pull response.
type PullChange struct {
	Entity    *models.Entity
	Timestamp time.Time
	Operation models.Operation
}

// PullResult is the response to a pull.
type PullResult struct {
	ServerTimestamp time.Time
	NextSince       *time.Time // NextSince водяной знак для следующего запроса
	Changes         []PullChange
	HasMore         bool
}

// PullCoordinator returns entities changed since a client watermark.
type PullCoordinator struct {
	store  EntityStore
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewPullCoordinator creates a new PullCoordinator
func NewPullCoordinator(store EntityStore, logger *slog.Logger) *PullCoordinator {
	return &PullCoordinator{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Pull returns every company entity of the requested kinds modified strictly
// after req.Since, ordered by modification time. Tombstones are included.
func (p *PullCoordinator) Pull(ctx context.Context, companyID string, req PullRequest) (*PullResult, error) {
	kinds := normalizeKinds(req.Kinds)

	ctx, span := p.tracer.Start(ctx, "syncengine.Pull", trace.WithAttributes(
		attribute.String("sync.company_id", companyID),
		attribute.Int("sync.kinds", len(kinds)),
		attribute.Int("sync.scope_ids", len(req.ScopeIDs)),
	))
	defer span.End()

	serverTimestamp := p.now().UTC()

	perKind := make([][]*models.Entity, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			entities, err := p.store.QueryModifiedSince(gctx, kind, companyID, req.Since, req.ScopeIDs)
			if err != nil {
				return fmt.Errorf("failed to query %s changes: %w", kind, err)
			}
			perKind[i] = entities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	var all []*models.Entity
	for _, entities := range perKind {
		all = append(all, entities...)
	}

	slices.SortStableFunc(all, func(a, b *models.Entity) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(kindOrder(a.Kind), kindOrder(b.Kind)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	page, hasMore := paginate(all, req.Limit)

	result := &PullResult{
		ServerTimestamp: serverTimestamp,
		Changes:         make([]PullChange, 0, len(page)),
		HasMore:         hasMore,
	}

	for _, entity := range page {
		result.Changes = append(result.Changes, PullChange{
			Entity:    entity,
			Timestamp: entity.UpdatedAt,
			Operation: classifyPulled(entity, req.Since),
		})
	}

	// Водяной знак - время последней отданной записи, а не часы сервера:
	// запись, закоммиченная позже с меньшим updated_at, не потеряется
	next := req.Since
	if len(page) > 0 {
		next = page[len(page)-1].UpdatedAt
	}
	if !next.IsZero() {
		result.NextSince = &next
	}

	span.SetAttributes(attribute.Int("sync.changes", len(result.Changes)), attribute.Bool("sync.has_more", hasMore))

	p.logger.DebugContext(ctx, "Pull completed",
		slog.String("company_id", companyID),
		slog.Time("since", req.Since),
		slog.Int("changes", len(result.Changes)),
		slog.Bool("has_more", hasMore),
	)

	return result, nil
}

// classifyPulled tags an entity created after since as create, anything else as update.
func classifyPulled(entity *models.Entity, since time.Time) models.Operation {
	if entity.CreatedAt.After(since) {
		return models.OpCreate
	}
	return models.OpUpdate
}

// paginate cuts sorted entities after limit, extended through every entry
// sharing the boundary timestamp so a page never splits a timestamp.
func paginate(sorted []*models.Entity, limit int) ([]*models.Entity, bool) {
	if limit <= 0 || len(sorted) <= limit {
		return sorted, false
	}

	end := limit
	boundary := sorted[limit-1].UpdatedAt
	for end < len(sorted) && sorted[end].UpdatedAt.Equal(boundary) {
		end++
	}

	return sorted[:end], end < len(sorted)
}

func normalizeKinds(kinds []models.EntityKind) []models.EntityKind {
	if len(kinds) == 0 {
		return models.AllKinds()
	}

	out := make([]models.EntityKind, 0, len(kinds))
	for _, kind := range kinds {
		if kind.Valid() && !slices.Contains(out, kind) {
			out = append(out, kind)
		}
	}
	slices.SortFunc(out, func(a, b models.EntityKind) int {
		return cmp.Compare(kindOrder(a), kindOrder(b))
	})
	return out
}

func kindOrder(kind models.EntityKind) int {
	return slices.Index(models.AllKinds(), kind)
}
