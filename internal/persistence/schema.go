package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS settle`,

	`CREATE TABLE IF NOT EXISTS settle.snapshots (
		snapshot_id UUID PRIMARY KEY,
		root        TEXT NOT NULL,
		data        JSONB NOT NULL,
		size_bytes  BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS snapshots_created_at_idx
		ON settle.snapshots (created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS settle.batch_history (
		batch_id   BIGINT NOT NULL,
		pipeline   TEXT NOT NULL,
		tx_id      TEXT NOT NULL,
		old_root   TEXT NOT NULL,
		new_root   TEXT NOT NULL,
		records    INT NOT NULL,
		dropped    INT NOT NULL,
		fees       BIGINT NOT NULL,
		settled_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (batch_id, pipeline)
	)`,
}

// EnsureSchema creates the settle schema and tables if missing. Idempotent;
// run at startup before any reads or writes.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
