package api_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/api"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/store"
)

func countingHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		api.WriteJSON(w, http.StatusOK, map[string]string{"turn": fmt.Sprint(n)})
	})
}

func post(h http.Handler, tenant, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/chat", nil)
	req.Header.Set("X-Tenant-ID", tenant)
	if key != "" {
		req.Header.Set(api.IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func byTenant(r *http.Request) string { return r.Header.Get("X-Tenant-ID") }

func exerciseStore(t *testing.T, s api.IdempotencyStorer) {
	t.Helper()
	var calls atomic.Int32
	h := api.IdempotencyMiddleware(s, byTenant)(countingHandler(&calls))

	first := post(h, "org-1", "k-1")
	second := post(h, "org-1", "k-1")
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), calls.Load())

	post(h, "org-2", "k-1")
	assert.Equal(t, int32(2), calls.Load(), "keys are scoped per tenant")

	post(h, "org-1", "")
	post(h, "org-1", "")
	assert.Equal(t, int32(4), calls.Load(), "requests without a key are never replayed")
}

func TestIdempotency_Memory(t *testing.T) {
	exerciseStore(t, api.NewIdempotencyStore(time.Minute))
}

func TestIdempotency_SQL(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()
	require.NoError(t, store.Migrate(context.Background(), db))

	s := api.NewSQLIdempotencyStore(db, time.Hour)
	exerciseStore(t, s)

	removed, err := s.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed, "fresh keys survive cleanup")
}

func TestIdempotency_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	h := api.IdempotencyMiddleware(api.NewIdempotencyStore(time.Minute), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		api.WriteErrorR(w, r, http.StatusConflict, "Invalid State Transition", "already decided")
	}))

	post(h, "org-1", "k-1")
	post(h, "org-1", "k-1")
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_Expiry(t *testing.T) {
	s := api.NewIdempotencyStore(time.Millisecond)
	s.Set(context.Background(), "k", &api.CachedResponse{StatusCode: 200, Body: []byte("{}")})
	time.Sleep(5 * time.Millisecond)
	_, ok := s.Check(context.Background(), "k")
	assert.False(t, ok)
}
