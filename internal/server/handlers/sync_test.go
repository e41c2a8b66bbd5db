package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/internal/server/storage/sqlite"
	"github.com/iudanet/fleetsync/internal/syncengine"
	"github.com/iudanet/fleetsync/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

type testEnv struct {
	store   *sqlite.Storage
	handler *SyncHandler
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	logger := setupTestLogger()
	pusher := syncengine.NewPushCoordinator(store, store, store, syncengine.DefaultPushConfig(), logger)
	puller := syncengine.NewPullCoordinator(store, logger)
	monitor := syncengine.NewLedgerMonitor(store, time.Hour, time.Minute, logger)

	return &testEnv{
		store:   store,
		handler: NewSyncHandler(logger, pusher, puller, store, monitor, SyncConfig{PullPageLimit: 100}),
	}
}

func authedRequest(method, target string, body any) *http.Request {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	ctx := WithPrincipal(req.Context(), &CustomClaims{UserID: "user-1", CompanyID: "company-1", Role: "surveyor"})
	return req.WithContext(ctx)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestSyncHandler_MethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name    string
		method  string
		handler http.HandlerFunc
	}{
		{name: "push", method: http.MethodGet, handler: env.handler.Push},
		{name: "pull", method: http.MethodPut, handler: env.handler.Pull},
		{name: "status", method: http.MethodPost, handler: env.handler.Status},
		{name: "ledger", method: http.MethodDelete, handler: env.handler.Ledger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, authedRequest(tt.method, "/api/v1/sync/"+tt.name, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestSyncHandler_Unauthorized(t *testing.T) {
	env := setupTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	env.handler.Push(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	errResp := decodeBody[api.ErrorResponse](t, w)
	assert.Equal(t, "Unauthorized", errResp.Error)
}

func TestSyncHandler_PushAndPull(t *testing.T) {
	env := setupTestEnv(t)
	clientTS := time.Now().UTC().Add(-time.Minute)

	push := api.PushRequest{
		DeviceID: "tablet-1",
		Changes: []api.ChangeRequest{
			{
				ChangeID:        "c1",
				EntityKind:      "vessels",
				EntityID:        "v1",
				Operation:       "CREATE",
				ClientTimestamp: clientTS,
				Payload:         map[string]any{"name": "MV Ocean Explorer", "imoNumber": "9876543"},
			},
			{
				ChangeID:        "c2",
				EntityKind:      "crew",
				EntityID:        "x1",
				Operation:       "create",
				ClientTimestamp: clientTS,
				Payload:         map[string]any{},
			},
		},
	}

	w := httptest.NewRecorder()
	env.handler.Push(w, authedRequest(http.MethodPost, "/api/v1/sync/push", push))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[api.PushResponse](t, w)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "c1", resp.Results[0].ChangeID)
	assert.Equal(t, api.StatusSuccess, resp.Results[0].Status)
	require.NotNil(t, resp.Results[0].ServerSnapshot)
	assert.Equal(t, "vessel", resp.Results[0].ServerSnapshot.Kind)
	assert.Equal(t, api.StatusError, resp.Results[1].Status)
	assert.Equal(t, string(syncengine.CodeValidationFailed), resp.Results[1].ErrorCode)
	assert.Equal(t, api.PushSummary{Total: 2, Successful: 1, Errors: 1}, resp.Summary)

	// Pull с нулевым водяным знаком возвращает созданное судно
	w = httptest.NewRecorder()
	env.handler.Pull(w, authedRequest(http.MethodPost, "/api/v1/sync/pull", api.PullRequest{EntityKinds: []string{"vessels"}}))
	require.Equal(t, http.StatusOK, w.Code)

	pull := decodeBody[api.PullResponse](t, w)
	require.Len(t, pull.Changes, 1)
	assert.Equal(t, "v1", pull.Changes[0].EntityID)
	assert.Equal(t, "vessel", pull.Changes[0].EntityKind)
	assert.Equal(t, "create", pull.Changes[0].Operation)
	assert.Equal(t, "MV Ocean Explorer", pull.Changes[0].Data.Data["name"])
	assert.False(t, pull.HasMore)
	require.NotNil(t, pull.NextSince)

	// Повтор с водяным знаком - пусто
	w = httptest.NewRecorder()
	env.handler.Pull(w, authedRequest(http.MethodPost, "/api/v1/sync/pull", api.PullRequest{LastSyncTimestamp: pull.NextSince}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[api.PullResponse](t, w).Changes)
}

func TestSyncHandler_PushRequestErrors(t *testing.T) {
	env := setupTestEnv(t)
	ts := time.Now().UTC()

	dup := api.ChangeRequest{ChangeID: "c1", EntityKind: "vessel", EntityID: "v1", Operation: "create", ClientTimestamp: ts, Payload: map[string]any{"name": "A"}}

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "malformed json", body: `{"changes": [`, wantStatus: http.StatusBadRequest},
		{name: "empty body", body: "", wantStatus: http.StatusBadRequest},
		{name: "missing device id", body: api.PushRequest{Changes: []api.ChangeRequest{dup}}, wantStatus: http.StatusBadRequest},
		{name: "invalid device id", body: api.PushRequest{DeviceID: "bad device", Changes: []api.ChangeRequest{dup}}, wantStatus: http.StatusBadRequest},
		{name: "repeated change id", body: api.PushRequest{DeviceID: "tablet-1", Changes: []api.ChangeRequest{dup, dup}}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.handler.Push(w, authedRequest(http.MethodPost, "/api/v1/sync/push", tt.body))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

type stubPusher struct {
	err error
}

func (s *stubPusher) Push(context.Context, models.Submitter, []models.ChangeRequest) (*syncengine.PushResult, error) {
	return nil, s.err
}

func TestSyncHandler_PushEngineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "batch too large", err: fmt.Errorf("%w: 600 changes", syncengine.ErrBatchTooLarge), wantStatus: http.StatusRequestEntityTooLarge},
		{name: "invalid batch", err: fmt.Errorf("%w: repeated", syncengine.ErrInvalidBatch), wantStatus: http.StatusBadRequest},
		{name: "unexpected", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSyncHandler(setupTestLogger(), &stubPusher{err: tt.err}, nil, nil, nil, SyncConfig{})

			w := httptest.NewRecorder()
			h.Push(w, authedRequest(http.MethodPost, "/api/v1/sync/push", api.PushRequest{DeviceID: "tablet-1"}))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSyncHandler_PushBodyTooLarge(t *testing.T) {
	env := setupTestEnv(t)
	env.handler.cfg.MaxBodyBytes = 64

	body := api.PushRequest{DeviceID: "tablet-1", Changes: []api.ChangeRequest{{
		ChangeID: "c1", EntityKind: "vessel", EntityID: "v1", Operation: "create",
		Payload: map[string]any{"name": strings.Repeat("x", 200)},
	}}}

	w := httptest.NewRecorder()
	env.handler.Push(w, authedRequest(http.MethodPost, "/api/v1/sync/push", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSyncHandler_PullRequestErrors(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "unknown kind", body: api.PullRequest{EntityKinds: []string{"crew"}}},
		{name: "negative limit", body: api.PullRequest{Limit: -1}},
		{name: "bad scope id", body: api.PullRequest{ScopeIDs: []string{"a b"}}},
		{name: "malformed json", body: `{"limit": "ten"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.handler.Pull(w, authedRequest(http.MethodPost, "/api/v1/sync/pull", tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	// пустое тело - полная выгрузка
	w := httptest.NewRecorder()
	env.handler.Pull(w, authedRequest(http.MethodPost, "/api/v1/sync/pull", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSyncHandler_PullPageLimit(t *testing.T) {
	env := setupTestEnv(t)
	env.handler.cfg.PullPageLimit = 2

	ctx := context.Background()
	for i := range 4 {
		at := time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC)
		require.NoError(t, env.store.CreateEntity(ctx, &models.Entity{
			Kind: models.KindVessel, ID: fmt.Sprintf("v%d", i), CompanyID: "company-1",
			Fields: map[string]any{"name": "V"}, CreatedAt: at, UpdatedAt: at,
		}))
	}

	w := httptest.NewRecorder()
	env.handler.Pull(w, authedRequest(http.MethodPost, "/api/v1/sync/pull", api.PullRequest{Limit: 50}))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[api.PullResponse](t, w)
	assert.Len(t, resp.Changes, 2)
	assert.True(t, resp.HasMore)
	assert.Equal(t, "v0", resp.Changes[0].EntityID)
}

func TestSyncHandler_StatusAndLedger(t *testing.T) {
	env := setupTestEnv(t)
	ts := time.Now().UTC().Add(-time.Minute)

	push := api.PushRequest{
		DeviceID: "tablet-1",
		Changes: []api.ChangeRequest{
			{ChangeID: "c1", EntityKind: "vessel", EntityID: "v1", Operation: "create", ClientTimestamp: ts, Payload: map[string]any{"name": "A"}},
			{ChangeID: "c2", EntityKind: "vessel", EntityID: "v2", Operation: "update", ClientTimestamp: ts, Payload: map[string]any{"name": "B"}},
		},
	}
	w := httptest.NewRecorder()
	env.handler.Push(w, authedRequest(http.MethodPost, "/api/v1/sync/push", push))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	env.handler.Status(w, authedRequest(http.MethodGet, "/api/v1/sync/status?deviceId=tablet-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	status := decodeBody[api.StatusResponse](t, w)
	assert.Equal(t, "tablet-1", status.DeviceID)
	assert.Equal(t, map[string]int{"pending": 0, "completed": 1, "failed": 1, "conflict": 0}, status.Counts)
	assert.Zero(t, status.StalePending)
	assert.NotNil(t, status.LastCompletedAt)

	w = httptest.NewRecorder()
	env.handler.Ledger(w, authedRequest(http.MethodGet, "/api/v1/sync/ledger?status=failed", nil))
	require.Equal(t, http.StatusOK, w.Code)

	ledger := decodeBody[api.LedgerResponse](t, w)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, "c2", ledger.Entries[0].ChangeID)
	assert.Equal(t, string(syncengine.CodeEntityNotFound), ledger.Entries[0].ErrorCode)
	assert.Equal(t, syncengine.AuditSource, ledger.Entries[0].Metadata.Source)

	for _, target := range []string{
		"/api/v1/sync/ledger?status=weird",
		"/api/v1/sync/ledger?limit=0",
		"/api/v1/sync/ledger?deviceId=bad%20id",
	} {
		w = httptest.NewRecorder()
		env.handler.Ledger(w, authedRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestSyncHandler_StatusStaleScopedToUser(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	stuckAt := time.Now().UTC().Add(-2 * time.Hour)

	entries := []*models.LedgerEntry{
		{ID: "l-own", UserID: "user-1", CompanyID: "company-1", DeviceID: "tablet-1", ChangeID: "c-own"},
		{ID: "l-own-other-device", UserID: "user-1", CompanyID: "company-1", DeviceID: "tablet-2", ChangeID: "c-own-2"},
		{ID: "l-foreign", UserID: "user-9", CompanyID: "company-9", DeviceID: "tablet-1", ChangeID: "c-foreign"},
	}
	for _, e := range entries {
		e.EntityKind = models.KindVessel
		e.EntityID = "v-" + e.ID
		e.Operation = models.OpCreate
		e.Status = models.LedgerPending
		e.ClientTimestamp = stuckAt
		e.CreatedAt = stuckAt
		require.NoError(t, env.store.CreateLedgerEntry(ctx, e))
	}

	tests := []struct {
		target string
		want   int
	}{
		{target: "/api/v1/sync/status", want: 2},
		{target: "/api/v1/sync/status?deviceId=tablet-1", want: 1},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		env.handler.Status(w, authedRequest(http.MethodGet, tt.target, nil))
		require.Equal(t, http.StatusOK, w.Code)

		status := decodeBody[api.StatusResponse](t, w)
		assert.Equal(t, tt.want, status.StalePending, tt.target)
		assert.Equal(t, tt.want, status.Counts["pending"], tt.target)
	}
}
