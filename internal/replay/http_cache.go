// Package replay implements the user-facing half of the Replay Guard
// (spec §4.8): every state-changing HTTP request carries an idempotency
// key, a key in "processing" yields 409, a key in "completed" replays the
// cached response for 24h. The internal event-id/PSP-event-id guard (§4.8
// first paragraph) lives inline in internal/money, since it is the first
// two steps of MoneyStateMachine.Handle itself.
package replay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	cacheTTL         = 24 * time.Hour
	headerName       = "X-Idempotency-Key"
)

// Cache is the HTTP idempotency-key middleware, grounded on the reference
// otc-gateway idempotency middleware.
type Cache struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a Cache.
func New(db *gorm.DB) *Cache {
	return &Cache{db: db, now: time.Now}
}

// Wrap enforces the idempotency-key contract around next. Requests without
// the header pass through unmodified.
func (c *Cache) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerName)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, _ := io.ReadAll(r.Body)
		requestHash := hashBody(body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		var existing store.IdempotencyResponse
		err := c.db.Where("key = ?", key).First(&existing).Error
		switch {
		case err == nil:
			if existing.Status == statusProcessing {
				w.WriteHeader(http.StatusConflict)
				return
			}
			if existing.Status == statusCompleted && existing.ExpiresAt.After(c.now()) {
				w.WriteHeader(existing.ResponseStatus)
				_, _ = w.Write(existing.ResponseBody)
				return
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			http.Error(w, "idempotency lookup failed", http.StatusInternalServerError)
			return
		}

		now := c.now()
		row := store.IdempotencyResponse{
			Key:         key,
			Status:      statusProcessing,
			RequestHash: requestHash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(cacheTTL),
		}
		if err := c.db.Create(&row).Error; err != nil {
			// Lost the race against a concurrent request with the same key.
			w.WriteHeader(http.StatusConflict)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		c.db.Model(&store.IdempotencyResponse{}).Where("key = ?", key).Updates(map[string]interface{}{
			"status":          statusCompleted,
			"response_status": recorder.status,
			"response_body":   store.JSON(recorder.buf),
		})
	})
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// responseRecorder captures the response body so it can be cached.
type responseRecorder struct {
	http.ResponseWriter
	buf    []byte
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf = append(rr.buf, b...)
	return rr.ResponseWriter.Write(b)
}
