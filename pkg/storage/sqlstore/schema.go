package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once with postgres types; sqlite gets a translated copy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		entity_type      TEXT        NOT NULL,
		entity_id        BIGINT      NOT NULL,
		seq              BIGINT      NOT NULL,
		action           TEXT        NOT NULL,
		actor_id         BIGINT,
		source_ip        TEXT,
		device_info      TEXT,
		session_id       TEXT,
		old_value        BYTEA,
		new_value        BYTEA,
		note             TEXT,
		occurred_at      TIMESTAMPTZ NOT NULL,
		clock_anomaly    BOOLEAN     NOT NULL DEFAULT FALSE,
		prev_record_hash BYTEA,
		record_hash      BYTEA       NOT NULL,
		signature        BYTEA       NOT NULL,
		key_id           TEXT        NOT NULL DEFAULT '',
		PRIMARY KEY (entity_type, entity_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at
		ON audit_events (entity_type, entity_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id              BIGSERIAL   PRIMARY KEY,
		file_name       TEXT        NOT NULL,
		content_type    TEXT        NOT NULL,
		storage_pointer TEXT        NOT NULL,
		content_hash    TEXT        NOT NULL,
		size            BIGINT      NOT NULL DEFAULT 0,
		uploaded_by     BIGINT,
		uploaded_at     TIMESTAMPTZ NOT NULL,
		status          TEXT        NOT NULL DEFAULT 'active',
		deleted_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_content_hash ON attachments (content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_storage_pointer ON attachments (storage_pointer)`,
	`CREATE TABLE IF NOT EXISTS attachment_links (
		id            BIGSERIAL   PRIMARY KEY,
		attachment_id BIGINT      NOT NULL REFERENCES attachments (id),
		entity_type   TEXT        NOT NULL,
		entity_id     BIGINT      NOT NULL,
		linked_by     BIGINT,
		linked_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachment_links_attachment ON attachment_links (attachment_id)`,
	`CREATE TABLE IF NOT EXISTS retention_policies (
		attachment_id   BIGINT      PRIMARY KEY REFERENCES attachments (id),
		policy_name     TEXT        NOT NULL,
		retain_until    TIMESTAMPTZ,
		min_retain_days INTEGER,
		max_retain_days INTEGER,
		legal_hold      BOOLEAN     NOT NULL DEFAULT FALSE,
		delete_mode     TEXT        NOT NULL DEFAULT 'soft',
		review_required BOOLEAN     NOT NULL DEFAULT FALSE,
		created_by      BIGINT,
		notes           TEXT,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attachment_embeddings (
		attachment_id BIGINT      NOT NULL REFERENCES attachments (id),
		model         TEXT        NOT NULL,
		dimension     INTEGER     NOT NULL,
		vector        BYTEA       NOT NULL,
		source_sha256 TEXT        NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (attachment_id, model)
	)`,
}

var sqliteTypes = strings.NewReplacer(
	"BIGSERIAL   PRIMARY KEY", "INTEGER     PRIMARY KEY AUTOINCREMENT",
	"TIMESTAMPTZ", "TIMESTAMP",
	"BYTEA", "BLOB",
)

// Statements returns the DDL for the dialect.
func (d Dialect) Statements() []string {
	out := make([]string, len(schema))
	for i, stmt := range schema {
		if d == SQLite {
			stmt = sqliteTypes.Replace(stmt)
		}
		out[i] = stmt
	}
	return out
}

// Migrate creates missing tables and indexes. It is safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	return db.RunInTx(ctx, func(ctx context.Context) error {
		for i, stmt := range db.dialect.Statements() {
			if _, err := db.writer(ctx).ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration step %d failed: %w", i, err)
			}
		}
		return nil
	})
}
