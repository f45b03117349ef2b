package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// SQLIdempotencyStore keeps replay entries in the idempotency_keys table so
// they survive restarts. It works against Postgres and the lite-mode SQLite
// database alike.
type SQLIdempotencyStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, clock: time.Now}
}

// Check returns a cached response if the key was seen within the TTL.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var (
		statusCode int
		headers    string
		body       string
		cachedAt   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			slog.WarnContext(ctx, "idempotency: lookup failed", "error", err)
		}
		return nil, false
	}

	if s.clock().Sub(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		hdr.Set("Content-Type", "application/json")
	}
	return &CachedResponse{StatusCode: statusCode, Headers: hdr, Body: []byte(body), CachedAt: cachedAt}, true
}

// Set stores a response. Failures are logged; replay is best effort.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		headers = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET status_code = excluded.status_code, headers = excluded.headers,
		 body = excluded.body, cached_at = excluded.cached_at`,
		key, resp.StatusCode, string(headers), string(resp.Body), s.clock().UTC(),
	)
	if err != nil {
		slog.WarnContext(ctx, "idempotency: failed to set key", "key", key, "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		s.clock().Add(-s.ttl).UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
