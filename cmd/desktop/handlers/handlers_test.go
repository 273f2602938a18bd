package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/cartsync/internal/config"
	"github.com/kimhsiao/cartsync/internal/core"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/sync/connectivity"
	"github.com/kimhsiao/cartsync/internal/testutil"
	"github.com/kimhsiao/cartsync/internal/uuid"
)

type fixture struct {
	mux    *http.ServeMux
	core   *core.Core
	remote *testutil.FakeRemote
	oracle *connectivity.Static
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = config.BackendFile
	cfg.Store.DataDir = "/data"
	cfg.Remote.BaseURL = "http://sync.invalid"
	cfg.Sync.Interval = config.Duration{}

	f := &fixture{
		remote: testutil.NewFakeRemote(),
		oracle: connectivity.NewStatic(true),
	}
	clock := testutil.NewClock(time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC))
	c, err := core.Open(cfg,
		core.WithFs(afero.NewMemMapFs()),
		core.WithRemote(f.remote),
		core.WithOracle(f.oracle),
		core.WithClock(clock.Now),
		core.WithIDs(uuid.Sequential("id")),
		core.WithoutLogging(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	f.core = c

	lists := NewListHandler(c)
	syncs := NewSyncHandler(c)
	f.mux = http.NewServeMux()
	f.mux.HandleFunc("GET /api/lists", lists.ListLists)
	f.mux.HandleFunc("POST /api/lists", lists.SaveList)
	f.mux.HandleFunc("GET /api/lists/{id}", lists.GetList)
	f.mux.HandleFunc("DELETE /api/lists/{id}", lists.DeleteList)
	f.mux.HandleFunc("POST /api/lists/{id}/items", lists.AddItem)
	f.mux.HandleFunc("POST /api/sync", syncs.TriggerSync)
	f.mux.HandleFunc("GET /api/sync/status", syncs.GetStatus)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestListLifecycle(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/lists", map[string]interface{}{"name": "Groceries"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var list models.ShoppingList
	decode(t, rec, &list)
	assert.Equal(t, "id-1", list.ID)
	assert.Equal(t, int64(1), list.Version)

	rec = f.do(t, http.MethodPost, "/api/lists/"+list.ID+"/items", map[string]interface{}{"name": "Eggs", "price": 3.2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item models.ShoppingItem
	decode(t, rec, &item)
	assert.Equal(t, 1.0, item.Quantity)

	rec = f.do(t, http.MethodGet, "/api/lists/"+list.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "Eggs", list.Items[0].Name)

	list.Name = "Groceries (Sat)"
	rec = f.do(t, http.MethodPost, "/api/lists", list)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/lists", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []models.ShoppingList `json:"items"`
		Total int                   `json:"total"`
	}
	decode(t, rec, &page)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Groceries (Sat)", page.Items[0].Name)

	rec = f.do(t, http.MethodDelete, "/api/lists/"+list.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/lists/"+list.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListErrors(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"malformed body", http.MethodPost, "/api/lists", "{not json", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing name", http.MethodPost, "/api/lists", map[string]string{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown list", http.MethodGet, "/api/lists/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"delete unknown list", http.MethodDelete, "/api/lists/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"item on unknown list", http.MethodPost, "/api/lists/nope/items", map[string]string{"name": "Tea"}, http.StatusNotFound, "NOT_FOUND"},
		{"negative price", http.MethodPost, "/api/lists/nope/items", map[string]interface{}{"name": "Tea", "price": -1}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var body errorBody
			decode(t, rec, &body)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestTriggerSync(t *testing.T) {
	f := setup(t)
	f.do(t, http.MethodPost, "/api/lists", map[string]interface{}{"name": "Hardware"})

	rec := f.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome models.SyncOutcome
	decode(t, rec, &outcome)
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.SyncedChangeCount)
	require.Len(t, f.remote.Pushes(), 1)

	rec = f.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status core.Status
	decode(t, rec, &status)
	assert.True(t, status.Online)
	assert.Equal(t, 0, status.PendingChanges)
	assert.NotNil(t, status.LastSync)
	assert.Equal(t, int64(1), status.DataVersion)
}

func TestTriggerSyncOffline(t *testing.T) {
	f := setup(t)
	f.oracle.Set(false)
	f.do(t, http.MethodPost, "/api/lists", map[string]interface{}{"name": "Hardware"})

	rec := f.do(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var outcome models.SyncOutcome
	decode(t, rec, &outcome)
	assert.False(t, outcome.Success)
	assert.Equal(t, "OFFLINE", outcome.Code)
	assert.Empty(t, f.remote.Pushes())

	rec = f.do(t, http.MethodGet, "/api/sync/status", nil)
	var status core.Status
	decode(t, rec, &status)
	assert.False(t, status.Online)
	assert.Equal(t, 1, status.PendingChanges)
}

func TestTriggerSyncAsync(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/sync?async=true", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]bool
	decode(t, rec, &body)
	assert.True(t, body["queued"])
}

func TestSyncFailureStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, syncFailureStatus("OFFLINE"))
	assert.Equal(t, http.StatusConflict, syncFailureStatus("SYNC_IN_PROGRESS"))
	assert.Equal(t, http.StatusGatewayTimeout, syncFailureStatus("SYNC_TIMEOUT"))
	assert.Equal(t, http.StatusBadGateway, syncFailureStatus("NETWORK_ERROR"))
}
