package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// IdempotencyHeader names the client-chosen replay key.
const IdempotencyHeader = "Idempotency-Key"

// CachedResponse is a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStorer defines the interface for idempotency backends.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp *CachedResponse)
}

// MemoryIdempotencyStore holds cached responses in process. Expired entries
// are dropped on write.
type MemoryIdempotencyStore struct {
	mu        sync.RWMutex
	entries   map[string]*CachedResponse
	ttl       time.Duration
	lastSweep time.Time
}

// NewIdempotencyStore creates a new in-memory idempotency store.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
	}
}

// Check returns a cached response if existing and valid.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.ttl {
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}
	if resp.CachedAt.IsZero() {
		resp.CachedAt = now
	}
	s.entries[key] = resp
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the cached response of a mutating request
// whose Idempotency-Key was already seen in the same scope. scope
// partitions keys, typically by tenant; it may be nil. Only 2xx responses
// are cached.
func IdempotencyMiddleware(store IdempotencyStorer, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "|" + key
			if scope != nil {
				key = scope(r) + "|" + key
			}

			if cached, ok := store.Check(r.Context(), key); ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				headers := http.Header{}
				if ct := w.Header().Get("Content-Type"); ct != "" {
					headers.Set("Content-Type", ct)
				}
				store.Set(r.Context(), key, &CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    headers,
					Body:       capture.body.Bytes(),
				})
			}
		})
	}
}
