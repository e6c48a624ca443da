package replay

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

// TestWrapCachesCompletedResponse covers the 24h replay half of the guard:
// a second request with the same idempotency key gets the cached response
// without the underlying handler running again.
func TestWrapCachesCompletedResponse(t *testing.T) {
	db := openTestDB(t)
	cache := New(db)
	calls := 0
	handler := cache.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set(headerName, "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.Equal(t, 1, calls)

	req2 := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req2.Header.Set(headerName, "key-1")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusCreated, rec2.Code)
	require.Equal(t, "ok", rec2.Body.String())
	require.Equal(t, 1, calls) // handler did not run again
}

// TestWrapRejectsConcurrentProcessing covers the 409 half: a key already
// recorded as "processing" (request in flight) is rejected rather than
// re-entered.
func TestWrapRejectsConcurrentProcessing(t *testing.T) {
	db := openTestDB(t)
	cache := New(db)
	now := time.Now()
	require.NoError(t, db.Create(&store.IdempotencyResponse{
		Key: "key-2", Status: "processing", RequestHash: "irrelevant",
		CreatedAt: now, ExpiresAt: now.Add(cacheTTL),
	}).Error)

	handler := cache.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run while a request with this key is processing")
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set(headerName, "key-2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

// TestWrapExpiredEntryConflictsOnRetry covers an entry past its expires_at:
// Wrap does not replay it, but since the key is the row's primary key the
// retry's insert loses to the stale row and is rejected rather than re-run.
func TestWrapExpiredEntryConflictsOnRetry(t *testing.T) {
	db := openTestDB(t)
	cache := New(db)
	past := time.Now().Add(-2 * cacheTTL)
	require.NoError(t, db.Create(&store.IdempotencyResponse{
		Key: "key-3", Status: statusCompleted, RequestHash: "irrelevant",
		ResponseStatus: http.StatusCreated, ResponseBody: store.JSON([]byte("stale")),
		CreatedAt: past, ExpiresAt: past.Add(cacheTTL),
	}).Error)

	calls := 0
	handler := cache.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set(headerName, "key-3")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, 0, calls)
}

// TestWrapPassesThroughWithoutKey covers requests that carry no idempotency
// key at all: the guard is a no-op and the handler runs normally.
func TestWrapPassesThroughWithoutKey(t *testing.T) {
	db := openTestDB(t)
	cache := New(db)
	calls := 0
	handler := cache.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, calls)
}
