package syncengine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage"
	"github.com/iudanet/fleetsync/internal/server/storage/sqlite"
)

var testBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var testSubmitter = models.Submitter{
	UserID:    "user-1",
	CompanyID: "company-1",
	DeviceID:  "tablet-1",
}

func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

func setupTestStorage(t *testing.T, opts ...sqlite.Option) *sqlite.Storage {
	t.Helper()

	s, err := sqlite.New(context.Background(), ":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	at   time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(c.step)
	return c.at
}

func newTestPushCoordinator(store EntityStore, s *sqlite.Storage) *PushCoordinator {
	cfg := DefaultPushConfig()
	cfg.ApplyTimeout = 5 * time.Second
	return NewPushCoordinator(store, s, s, cfg, setupTestLogger())
}

func seedEntity(t *testing.T, s *sqlite.Storage, kind models.EntityKind, id, companyID, parentID string, createdAt, updatedAt time.Time, fields map[string]any) *models.Entity {
	t.Helper()

	if fields == nil {
		fields = map[string]any{"name": "Seeded " + id}
	}
	entity := &models.Entity{
		Kind:      kind,
		ID:        id,
		CompanyID: companyID,
		ParentID:  parentID,
		Fields:    fields,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	require.NoError(t, s.CreateEntity(context.Background(), entity))
	return entity
}

func ledgerEntries(t *testing.T, s *sqlite.Storage) []*models.LedgerEntry {
	t.Helper()

	entries, err := s.ListLedgerEntries(context.Background(), storage.LedgerFilter{UserID: testSubmitter.UserID})
	require.NoError(t, err)
	return entries
}

func ledgerByChangeID(t *testing.T, s *sqlite.Storage, changeID string) []*models.LedgerEntry {
	t.Helper()

	var out []*models.LedgerEntry
	for _, e := range ledgerEntries(t, s) {
		if e.ChangeID == changeID {
			out = append(out, e)
		}
	}
	return out
}

// faultyStore wraps a real store and injects failures per entity id.
type faultyStore struct {
	EntityStore

	mu        sync.Mutex
	failOn    map[string]error // GetEntity/CreateEntity/UpdateEntity fail with this error
	blockOn   map[string]bool  // GetEntity blocks until ctx is done
	blockErr  error            // вместо ctx.Err() после блокировки, как у драйвера
	casMissOn map[string]bool  // UpdateEntity reports a concurrent write
	queryErr  error

	beforeWrite func() // вызывается перед CreateEntity/UpdateEntity
}

func newFaultyStore(inner EntityStore) *faultyStore {
	return &faultyStore{
		EntityStore: inner,
		failOn:      map[string]error{},
		blockOn:     map[string]bool{},
		casMissOn:   map[string]bool{},
	}
}

func (f *faultyStore) fault(id string) (block, casMiss bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockOn[id], f.casMissOn[id], f.failOn[id]
}

func (f *faultyStore) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	block, _, err := f.fault(id)
	if block {
		<-ctx.Done()
		if f.blockErr != nil {
			return nil, f.blockErr
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return f.EntityStore.GetEntity(ctx, kind, id)
}

func (f *faultyStore) CreateEntity(ctx context.Context, entity *models.Entity) error {
	if _, _, err := f.fault(entity.ID); err != nil {
		return err
	}
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	return f.EntityStore.CreateEntity(ctx, entity)
}

func (f *faultyStore) UpdateEntity(ctx context.Context, kind models.EntityKind, id string, upd storage.EntityUpdate) (*models.Entity, error) {
	_, casMiss, err := f.fault(id)
	if err != nil {
		return nil, err
	}
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	if casMiss {
		// Имитация параллельной записи между чтением и обновлением
		if _, wErr := f.EntityStore.UpdateEntity(ctx, kind, id, storage.EntityUpdate{
			At:     upd.At,
			Fields: map[string]any{"name": "Concurrent"},
		}); wErr != nil {
			return nil, wErr
		}
	}
	return f.EntityStore.UpdateEntity(ctx, kind, id, upd)
}

func (f *faultyStore) QueryModifiedSince(ctx context.Context, kind models.EntityKind, companyID string, since time.Time, scopeIDs []string) ([]*models.Entity, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.EntityStore.QueryModifiedSince(ctx, kind, companyID, since, scopeIDs)
}
