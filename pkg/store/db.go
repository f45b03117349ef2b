package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const connectMaxElapsed = 30 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS action_proposals (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	conversation_key TEXT NOT NULL DEFAULT '',
	batch_id TEXT NOT NULL DEFAULT '',
	persona_id TEXT NOT NULL DEFAULT '',
	raw_type TEXT NOT NULL DEFAULT '',
	canonical_type TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	policy_reason TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	external_reference TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	decision_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_proposals_status ON action_proposals (status, tenant_id);

CREATE TABLE IF NOT EXISTS conversation_turns (
	conversation_key TEXT NOT NULL,
	seq BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	persona_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (conversation_key, seq)
);

CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	archive_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_tenant ON audit_records (tenant_id, kind, created_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers TEXT NOT NULL DEFAULT '{}',
	body TEXT NOT NULL,
	cached_at TIMESTAMP NOT NULL
);
`

// Open connects to Postgres when dsn is set. Otherwise it opens the lite-mode
// SQLite database under dataDir. The schema is applied in both cases.
func Open(ctx context.Context, dsn, dataDir string) (*sql.DB, error) {
	logger := slog.Default().With("component", "store")

	var (
		db  *sql.DB
		err error
	)
	if dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := pingWithRetry(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres unreachable: %w", err)
		}
		logger.InfoContext(ctx, "connected to postgres")
	} else {
		if dataDir == "" {
			dataDir = "data"
		}
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		path := filepath.Join(dataDir, "coworker.db")
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// one writer at a time
		db.SetMaxOpenConns(1)
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", path)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func pingWithRetry(ctx context.Context, db *sql.DB) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	return backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "database not ready, retrying", "error", err, "wait", wait)
	})
}
