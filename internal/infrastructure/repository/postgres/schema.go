package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

const schemaLockID int64 = 2026101501

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates all pipeline tables. The chunk embedding column is
// fixed to dimension; a store created with another dimension is rejected.
func EnsureSchema(ctx context.Context, db *sql.DB, dimension int) error {
	if dimension <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "ensure schema", fmt.Errorf("embedding dimension must be > 0"))
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker/cli startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(schemaDDL, dimension)); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx, `
SELECT atttypmod FROM pg_attribute
WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'
`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read embedding dimension: %w", err)
	}
	if current != dimension {
		return domain.WrapError(domain.ErrDimensionMismatch, "ensure schema",
			fmt.Errorf("chunks.embedding is vector(%d), configured %d", current, dimension))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	version INT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active', 'superseded')),
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	is_empty BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (source, external_id, content_hash),
	UNIQUE (source, external_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_documents_active
	ON documents(source, external_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);

CREATE TABLE IF NOT EXISTS document_bodies (
	document_id TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	mime TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS index_revisions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	revision_hash TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'success', 'failed')),
	chunk_count INT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, revision_hash)
);

CREATE INDEX IF NOT EXISTS idx_index_revisions_status ON index_revisions(status);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	revision_id TEXT NOT NULL REFERENCES index_revisions(id) ON DELETE CASCADE,
	chunk_index INT NOT NULL,
	article_number TEXT,
	paragraph_index INT,
	chunk_type TEXT NOT NULL CHECK (chunk_type IN ('article', 'paragraph', 'generic')),
	content TEXT NOT NULL,
	chunk_hash TEXT NOT NULL,
	embedding vector(%d) NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	is_boilerplate BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (document_id, chunk_index),
	UNIQUE (revision_id, chunk_hash)
);

CREATE INDEX IF NOT EXISTS idx_chunks_revision ON chunks(revision_id);
CREATE INDEX IF NOT EXISTS idx_chunks_article ON chunks(article_number);
CREATE INDEX IF NOT EXISTS idx_chunks_metadata ON chunks USING GIN (metadata jsonb_path_ops);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	criteria JSONB NOT NULL,
	channel TEXT NOT NULL,
	target TEXT NOT NULL,
	min_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS match_results (
	subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
	revision_id TEXT NOT NULL REFERENCES index_revisions(id) ON DELETE CASCADE,
	document_id TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	explanation TEXT NOT NULL,
	evidence JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subscription_id, revision_id)
);

CREATE TABLE IF NOT EXISTS delivery_logs (
	id TEXT PRIMARY KEY,
	event_key TEXT NOT NULL UNIQUE,
	subscription_id TEXT NOT NULL,
	revision_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	target TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'attempted', 'delivered', 'failed', 'failed_permanent')),
	attempt_count INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL,
	next_retry_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	status_history JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_delivery_logs_due ON delivery_logs(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_revision ON delivery_logs(revision_id);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id TEXT PRIMARY KEY,
	job_name TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('open', 'resolved')),
	error_message TEXT NOT NULL,
	payload JSONB,
	failed_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_failed_jobs_status ON failed_jobs(status, failed_at DESC);
CREATE INDEX IF NOT EXISTS idx_failed_jobs_key ON failed_jobs(job_name, idempotency_key);
`

type rowScanner interface {
	Scan(dest ...any) error
}

// mapWriteError turns constraint races into ErrConflict.
func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.WrapError(domain.ErrConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
