package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpClient "github.com/iudanet/fleetsync/internal/client/api"
	"github.com/iudanet/fleetsync/internal/client/storage"
	"github.com/iudanet/fleetsync/internal/client/storage/boltdb"
	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/pkg/api"
)

// fakeAPI записывает запросы и отвечает через подставляемые функции
type fakeAPI struct {
	pushFunc  func(req api.PushRequest) (*api.PushResponse, error)
	pullFunc  func(req api.PullRequest) (*api.PullResponse, error)
	pushCalls []api.PushRequest
	pullCalls []api.PullRequest
}

func (f *fakeAPI) Push(_ context.Context, _ string, req api.PushRequest) (*api.PushResponse, error) {
	f.pushCalls = append(f.pushCalls, req)
	return f.pushFunc(req)
}

func (f *fakeAPI) Pull(_ context.Context, _ string, req api.PullRequest) (*api.PullResponse, error) {
	f.pullCalls = append(f.pullCalls, req)
	return f.pullFunc(req)
}

func (f *fakeAPI) Status(context.Context, string, string) (*api.StatusResponse, error) {
	return &api.StatusResponse{}, nil
}

func (f *fakeAPI) Ledger(context.Context, string, httpClient.LedgerQuery) (*api.LedgerResponse, error) {
	return &api.LedgerResponse{}, nil
}

var _ httpClient.ClientAPI = (*fakeAPI)(nil)

var (
	testNow  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testSess = Session{AccessToken: "token", CompanyID: "company-1"}
)

func setupService(t *testing.T, fake *fakeAPI) (*service, *boltdb.Storage) {
	t.Helper()

	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(fake, store, store, store, logger, 50).(*service)
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func vesselCreate(changeID, entityID string) models.ChangeRequest {
	return models.ChangeRequest{
		ChangeID:        changeID,
		EntityKind:      models.KindVessel,
		EntityID:        entityID,
		Operation:       models.OpCreate,
		ClientTimestamp: testNow.Add(-time.Minute),
		Payload:         map[string]any{"name": "Aurora"},
	}
}

func snapshot(kind, id string, version int64, updatedAt time.Time, data map[string]any) *api.EntitySnapshot {
	return &api.EntitySnapshot{
		Kind:      kind,
		ID:        id,
		Data:      data,
		Version:   version,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestService_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid change is rejected", func(t *testing.T) {
		svc, store := setupService(t, &fakeAPI{})

		bad := vesselCreate("c1", "v1")
		bad.Operation = "rename"
		err := svc.Enqueue(ctx, "company-1", bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown operation")

		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("create is queued and visible locally", func(t *testing.T) {
		svc, store := setupService(t, &fakeAPI{})

		require.NoError(t, svc.Enqueue(ctx, "company-1", vesselCreate("c1", "v1")))

		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "c1", pending[0].Change.ChangeID)

		local, err := store.GetEntity(ctx, models.KindVessel, "v1")
		require.NoError(t, err)
		assert.Equal(t, "Aurora", local.Fields["name"])
		assert.Equal(t, "company-1", local.CompanyID)
		assert.True(t, local.UpdatedAt.IsZero())
	})

	t.Run("update carries the replica version", func(t *testing.T) {
		svc, store := setupService(t, &fakeAPI{})

		require.NoError(t, store.PutEntity(ctx, &models.Entity{
			Kind: models.KindEquipment, ID: "e1", Version: 4, UpdatedAt: testNow.Add(-time.Hour),
			Fields: map[string]any{"name": "Pump", "vesselId": "v1"},
		}))

		require.NoError(t, svc.Enqueue(ctx, "company-1", models.ChangeRequest{
			ChangeID:   "c2",
			EntityKind: models.KindEquipment,
			EntityID:   "e1",
			Operation:  models.OpUpdate,
			Payload:    map[string]any{"name": "Main pump"},
		}))

		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.NotNil(t, pending[0].Change.Version)
		assert.Equal(t, int64(4), *pending[0].Change.Version)
		assert.Equal(t, testNow, pending[0].Change.ClientTimestamp)

		local, err := store.GetEntity(ctx, models.KindEquipment, "e1")
		require.NoError(t, err)
		assert.Equal(t, "Main pump", local.Fields["name"])
		assert.Equal(t, "v1", local.ParentID)
		assert.Equal(t, int64(4), local.Version)
	})

	t.Run("duplicate change id", func(t *testing.T) {
		svc, _ := setupService(t, &fakeAPI{})

		require.NoError(t, svc.Enqueue(ctx, "company-1", vesselCreate("c1", "v1")))
		err := svc.Enqueue(ctx, "company-1", vesselCreate("c1", "v2"))
		assert.ErrorIs(t, err, storage.ErrDuplicateChange)
	})
}

func TestService_PushRecordsEachOutcome(t *testing.T) {
	ctx := context.Background()
	serverTime := testNow.Add(time.Second)

	fake := &fakeAPI{
		pushFunc: func(req api.PushRequest) (*api.PushResponse, error) {
			return &api.PushResponse{
				ServerTimestamp: serverTime,
				Results: []api.ChangeResult{
					{
						ChangeID:       "c1",
						Status:         api.StatusSuccess,
						ServerSnapshot: snapshot("vessel", "v1", 1, serverTime, map[string]any{"name": "Aurora"}),
					},
					{
						ChangeID:       "c2",
						Status:         api.StatusConflict,
						Error:          "server copy is newer",
						ServerSnapshot: snapshot("vessel", "v2", 7, serverTime, map[string]any{"name": "Server"}),
					},
					{ChangeID: "c3", Status: api.StatusError, ErrorCode: "STORAGE_UNAVAILABLE", Error: "busy", Retryable: true},
					{ChangeID: "c4", Status: api.StatusError, ErrorCode: "VALIDATION_FAILED", Error: "name is required"},
					{
						ChangeID: "c5",
						Status:   api.StatusSuccess,
						Children: []api.ChangeResult{{
							ChangeID:       "c5/part-0",
							Status:         api.StatusSuccess,
							ServerSnapshot: snapshot("part", "p1", 1, serverTime, map[string]any{"equipmentId": "v5"}),
						}},
					},
				},
			}, nil
		},
	}
	svc, store := setupService(t, fake)

	for i, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		require.NoError(t, svc.Enqueue(ctx, "company-1", vesselCreate(id, "v"+string(rune('1'+i)))))
	}

	result, err := svc.Push(ctx, testSess)
	require.NoError(t, err)
	assert.Equal(t, &PushResult{Sent: 6, Succeeded: 2, Conflicts: 1, Failed: 1, Retrying: 2}, result)

	require.Len(t, fake.pushCalls, 1)
	req := fake.pushCalls[0]
	assert.NotEmpty(t, req.DeviceID)
	assert.Nil(t, req.LastSyncTimestamp)
	require.Len(t, req.Changes, 6)
	assert.Equal(t, "c1", req.Changes[0].ChangeID)
	assert.Equal(t, "vessel", req.Changes[0].EntityKind)

	// c3 retryable, c6 без результата
	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "c3", pending[0].Change.ChangeID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "busy", pending[0].LastError)
	assert.Equal(t, "c6", pending[1].Change.ChangeID)

	conflicts, err := store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "c2", conflicts[0].Change.ChangeID)
	require.NotNil(t, conflicts[0].ServerSnapshot)
	assert.Equal(t, int64(7), conflicts[0].ServerSnapshot.Version)

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "VALIDATION_FAILED", failed[0].ErrorCode)

	v1, err := store.GetEntity(ctx, models.KindVessel, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)
	assert.True(t, serverTime.Equal(v1.UpdatedAt))

	part, err := store.GetEntity(ctx, models.KindPart, "p1")
	require.NoError(t, err)
	assert.Equal(t, "company-1", part.CompanyID)
}

func TestService_PushTransportErrorKeepsQueue(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAPI{
		pushFunc: func(api.PushRequest) (*api.PushResponse, error) {
			return nil, &httpClient.Error{StatusCode: 503, Message: "unavailable"}
		},
	}
	svc, store := setupService(t, fake)
	require.NoError(t, svc.Enqueue(ctx, "company-1", vesselCreate("c1", "v1")))

	_, err := svc.Push(ctx, testSess)
	require.Error(t, err)
	assert.True(t, httpClient.IsRetryable(err))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
}

func TestService_PushNothingPending(t *testing.T) {
	fake := &fakeAPI{}
	svc, _ := setupService(t, fake)

	result, err := svc.Push(context.Background(), testSess)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Empty(t, fake.pushCalls)
}

func TestService_PullPagesAndWatermark(t *testing.T) {
	ctx := context.Background()
	t1 := testNow.Add(-time.Hour)
	t2 := testNow

	fake := &fakeAPI{
		pullFunc: func(req api.PullRequest) (*api.PullResponse, error) {
			if req.LastSyncTimestamp == nil {
				return &api.PullResponse{
					ServerTimestamp: t2,
					HasMore:         true,
					NextSince:       &t1,
					Changes: []api.PullChange{
						{EntityKind: "vessel", EntityID: "v1", Operation: "create", Timestamp: t1, Data: snapshot("vessel", "v1", 1, t1, map[string]any{"name": "A"})},
					},
				}, nil
			}
			return &api.PullResponse{
				ServerTimestamp: t2,
				Changes: []api.PullChange{
					{EntityKind: "equipment", EntityID: "e1", Operation: "update", Timestamp: t2, Data: snapshot("equipment", "e1", 3, t2, map[string]any{"name": "Pump"})},
				},
			}, nil
		},
	}
	svc, store := setupService(t, fake)

	result, err := svc.Pull(ctx, testSess)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 2, result.Received)
	assert.Equal(t, 2, result.Merged)
	assert.True(t, t2.Equal(result.Watermark))

	require.Len(t, fake.pullCalls, 2)
	assert.Equal(t, 50, fake.pullCalls[0].Limit)
	require.NotNil(t, fake.pullCalls[1].LastSyncTimestamp)
	assert.True(t, t1.Equal(*fake.pullCalls[1].LastSyncTimestamp))

	watermark, err := store.GetLastSync(ctx)
	require.NoError(t, err)
	assert.True(t, t2.Equal(watermark))

	entities, err := store.ListEntities(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestService_PullSavesNextSinceOnLastPage(t *testing.T) {
	ctx := context.Background()
	lastChange := testNow.Add(-time.Minute)

	// Сервер отдал последнюю страницу; serverTimestamp новее последней записи
	fake := &fakeAPI{
		pullFunc: func(api.PullRequest) (*api.PullResponse, error) {
			return &api.PullResponse{
				ServerTimestamp: testNow,
				NextSince:       &lastChange,
				Changes: []api.PullChange{
					{EntityKind: "vessel", EntityID: "v1", Operation: "create", Timestamp: lastChange, Data: snapshot("vessel", "v1", 1, lastChange, map[string]any{"name": "A"})},
				},
			}, nil
		},
	}
	svc, store := setupService(t, fake)

	result, err := svc.Pull(ctx, testSess)
	require.NoError(t, err)
	assert.True(t, lastChange.Equal(result.Watermark))

	watermark, err := store.GetLastSync(ctx)
	require.NoError(t, err)
	assert.True(t, lastChange.Equal(watermark))

	_, err = svc.Pull(ctx, testSess)
	require.NoError(t, err)
	require.Len(t, fake.pullCalls, 2)
	require.NotNil(t, fake.pullCalls[1].LastSyncTimestamp)
	assert.True(t, lastChange.Equal(*fake.pullCalls[1].LastSyncTimestamp))
}

func TestService_PullKeepsNewerLocalCopy(t *testing.T) {
	ctx := context.Background()
	old := testNow.Add(-2 * time.Hour)

	fake := &fakeAPI{
		pullFunc: func(api.PullRequest) (*api.PullResponse, error) {
			return &api.PullResponse{
				ServerTimestamp: testNow,
				Changes: []api.PullChange{
					{EntityKind: "vessel", EntityID: "v1", Operation: "update", Timestamp: old, Data: snapshot("vessel", "v1", 2, old, map[string]any{"name": "Old"})},
				},
			}, nil
		},
	}
	svc, store := setupService(t, fake)

	require.NoError(t, store.PutEntity(ctx, &models.Entity{
		Kind: models.KindVessel, ID: "v1", Version: 3, UpdatedAt: testNow.Add(-time.Hour),
		Fields: map[string]any{"name": "New"},
	}))

	result, err := svc.Pull(ctx, testSess)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Merged)

	local, err := store.GetEntity(ctx, models.KindVessel, "v1")
	require.NoError(t, err)
	assert.Equal(t, "New", local.Fields["name"])
}

func TestService_PullStopsWhenWatermarkDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	since := testNow.Add(-time.Hour)

	fake := &fakeAPI{
		pullFunc: func(api.PullRequest) (*api.PullResponse, error) {
			return &api.PullResponse{ServerTimestamp: testNow, HasMore: true, NextSince: &since}, nil
		},
	}
	svc, store := setupService(t, fake)
	require.NoError(t, store.SaveLastSync(ctx, since))

	_, err := svc.Pull(ctx, testSess)
	require.NoError(t, err)
	assert.Len(t, fake.pullCalls, 1)
}

func TestService_SyncStopsOnPushError(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAPI{
		pushFunc: func(api.PushRequest) (*api.PushResponse, error) {
			return nil, &httpClient.Error{StatusCode: 401, Message: "invalid token"}
		},
	}
	svc, _ := setupService(t, fake)
	require.NoError(t, svc.Enqueue(ctx, "company-1", vesselCreate("c1", "v1")))

	_, err := svc.Sync(ctx, testSess)
	require.Error(t, err)
	assert.True(t, httpClient.IsUnauthorized(err))
	assert.Empty(t, fake.pullCalls)
}

func TestService_ResolveConflict(t *testing.T) {
	ctx := context.Background()
	serverTime := testNow.Add(-time.Minute)

	conflictingPush := func(api.PushRequest) (*api.PushResponse, error) {
		return &api.PushResponse{Results: []api.ChangeResult{{
			ChangeID:       "c1",
			Status:         api.StatusConflict,
			ServerSnapshot: snapshot("vessel", "v1", 5, serverTime, map[string]any{"name": "Server"}),
		}}}, nil
	}

	tests := []struct {
		name       string
		resolution Resolution
		wantName   string
		wantQueued bool
	}{
		{name: "keep server", resolution: KeepServer, wantName: "Server"},
		{name: "overwrite", resolution: Overwrite, wantName: "Aurora", wantQueued: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := setupService(t, &fakeAPI{pushFunc: conflictingPush})
			require.NoError(t, svc.Enqueue(ctx, "company-1", vesselCreate("c1", "v1")))
			_, err := svc.Push(ctx, testSess)
			require.NoError(t, err)

			newID, err := svc.ResolveConflict(ctx, testSess, "c1", tt.resolution)
			require.NoError(t, err)

			_, err = store.GetConflict(ctx, "c1")
			assert.ErrorIs(t, err, storage.ErrConflictNotFound)

			pending, err := store.ListPending(ctx)
			require.NoError(t, err)

			if tt.wantQueued {
				require.Len(t, pending, 1)
				assert.Equal(t, newID, pending[0].Change.ChangeID)
				assert.NotEqual(t, "c1", newID)
				assert.Equal(t, testNow, pending[0].Change.ClientTimestamp)
				require.NotNil(t, pending[0].Change.Version)
				assert.Equal(t, int64(5), *pending[0].Change.Version)
			} else {
				assert.Empty(t, newID)
				assert.Empty(t, pending)
			}

			local, err := store.GetEntity(ctx, models.KindVessel, "v1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, local.Fields["name"])
		})
	}

	t.Run("unknown change", func(t *testing.T) {
		svc, _ := setupService(t, &fakeAPI{})
		_, err := svc.ResolveConflict(ctx, testSess, "missing", KeepServer)
		assert.True(t, errors.Is(err, storage.ErrConflictNotFound))
	})
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("overwrite")
	require.NoError(t, err)
	assert.Equal(t, Overwrite, r)

	_, err = ParseResolution("merge")
	assert.Error(t, err)
}
