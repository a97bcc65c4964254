package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type DocumentRepository struct {
	db    *sql.DB
	newID func() string
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, newID: uuid.NewString}
}

const documentColumns = `id, source, external_id, title, content_hash, version, status, metadata, is_empty, created_at`

const revisionColumns = `id, document_id, revision_hash, status, chunk_count, error_message, created_at, updated_at`

// ResolveVersion serializes writers of one (source, external_id) with a
// transaction-scoped advisory lock and applies the versioning decision.
func (r *DocumentRepository) ResolveVersion(ctx context.Context, in domain.VersionInput) (domain.VersionDecision, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.VersionDecision{}, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1 || chr(31) || $2, 0))`,
		in.Source, in.ExternalID,
	); err != nil {
		return domain.VersionDecision{}, fmt.Errorf("acquire document key lock: %w", err)
	}

	active, err := scanDocumentOptional(tx.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE source = $1 AND external_id = $2 AND status = 'active'
FOR UPDATE
`, in.Source, in.ExternalID))
	if err != nil {
		return domain.VersionDecision{}, fmt.Errorf("read active version: %w", err)
	}

	var decision domain.VersionDecision
	switch {
	case active != nil && active.ContentHash == in.ContentHash:
		rev, err := latestRevision(ctx, tx, active.ID)
		if err != nil {
			return domain.VersionDecision{}, err
		}
		decision = domain.VersionDecision{Action: domain.IngestUnchanged, Document: *active, Revision: *rev}
	default:
		decision, err = r.writeVersion(ctx, tx, in, active)
		if err != nil {
			return domain.VersionDecision{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.VersionDecision{}, mapWriteError("commit version tx", err)
	}
	return decision, nil
}

func (r *DocumentRepository) writeVersion(ctx context.Context, tx *sql.Tx, in domain.VersionInput, active *domain.Document) (domain.VersionDecision, error) {
	// Content reverting to an earlier version reactivates that version; the
	// (source, external_id, content_hash) key forbids a duplicate row.
	prior, err := scanDocumentOptional(tx.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE source = $1 AND external_id = $2 AND content_hash = $3
FOR UPDATE
`, in.Source, in.ExternalID, in.ContentHash))
	if err != nil {
		return domain.VersionDecision{}, fmt.Errorf("read prior version: %w", err)
	}

	if active != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET status = 'superseded' WHERE id = $1 AND status = 'active'`,
			active.ID,
		); err != nil {
			return domain.VersionDecision{}, mapWriteError("supersede active version", err)
		}
		active.Status = domain.DocumentSuperseded
	}

	if prior != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET status = 'active' WHERE id = $1`, prior.ID,
		); err != nil {
			return domain.VersionDecision{}, mapWriteError("reactivate prior version", err)
		}
		prior.Status = domain.DocumentActive
		rev, err := latestRevision(ctx, tx, prior.ID)
		if err != nil {
			return domain.VersionDecision{}, err
		}
		return domain.VersionDecision{
			Action: domain.IngestNewVersion, Document: *prior, Revision: *rev, Superseded: active,
		}, nil
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM documents WHERE source = $1 AND external_id = $2`,
		in.Source, in.ExternalID,
	).Scan(&maxVersion); err != nil {
		return domain.VersionDecision{}, fmt.Errorf("read max version: %w", err)
	}

	now := in.Now.UTC()
	doc := domain.Document{
		ID:          r.newID(),
		Source:      in.Source,
		ExternalID:  in.ExternalID,
		Title:       in.Title,
		ContentHash: in.ContentHash,
		Version:     maxVersion + 1,
		Status:      domain.DocumentActive,
		Metadata:    in.Metadata,
		Empty:       in.Empty,
		CreatedAt:   now,
	}
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return domain.VersionDecision{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
		doc.ID, doc.Source, doc.ExternalID, doc.Title, doc.ContentHash, doc.Version,
		string(doc.Status), metaJSON, doc.Empty, doc.CreatedAt,
	); err != nil {
		return domain.VersionDecision{}, mapWriteError("insert document", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO document_bodies (document_id, text, mime, language)
VALUES ($1,$2,$3,$4)
`, doc.ID, in.Text, in.Mime, in.Language); err != nil {
		return domain.VersionDecision{}, mapWriteError("insert document body", err)
	}

	rev := domain.IndexRevision{
		ID:           r.newID(),
		DocumentID:   doc.ID,
		RevisionHash: in.ContentHash,
		Status:       domain.RevisionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO index_revisions (`+revisionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		rev.ID, rev.DocumentID, rev.RevisionHash, string(rev.Status), rev.ChunkCount, rev.Error, rev.CreatedAt, rev.UpdatedAt,
	); err != nil {
		return domain.VersionDecision{}, mapWriteError("insert index revision", err)
	}

	action := domain.IngestCreated
	if maxVersion > 0 {
		action = domain.IngestNewVersion
	}
	return domain.VersionDecision{Action: action, Document: doc, Revision: rev, Superseded: active}, nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := scanDocument(r.db.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE id = $1
`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) GetBody(ctx context.Context, documentID string) (*domain.DocumentBody, error) {
	var body domain.DocumentBody
	err := r.db.QueryRowContext(ctx, `
SELECT document_id, text, mime, language
FROM document_bodies
WHERE document_id = $1
`, documentID).Scan(&body.DocumentID, &body.Text, &body.Mime, &body.Language)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document body", fmt.Errorf("document_id=%s", documentID))
		}
		return nil, fmt.Errorf("scan document body: %w", err)
	}
	return &body, nil
}

func (r *DocumentRepository) GetRevision(ctx context.Context, id string) (*domain.IndexRevision, error) {
	rev, err := scanRevision(r.db.QueryRowContext(ctx, `
SELECT `+revisionColumns+`
FROM index_revisions
WHERE id = $1
`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get revision", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan revision: %w", err)
	}
	return rev, nil
}

func (r *DocumentRepository) LatestRevision(ctx context.Context, documentID string) (*domain.IndexRevision, error) {
	return latestRevision(ctx, r.db, documentID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestRevision(ctx context.Context, q queryRower, documentID string) (*domain.IndexRevision, error) {
	rev, err := scanRevision(q.QueryRowContext(ctx, `
SELECT `+revisionColumns+`
FROM index_revisions
WHERE document_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
`, documentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "latest revision", fmt.Errorf("document_id=%s", documentID))
		}
		return nil, fmt.Errorf("scan revision: %w", err)
	}
	return rev, nil
}

// UpdateRevisionStatus refuses to move a successful revision back to pending
// or failed; a success revision only gets its chunk count refreshed.
func (r *DocumentRepository) UpdateRevisionStatus(ctx context.Context, id string, status domain.RevisionStatus, chunkCount int, errMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE index_revisions
SET status = $2, chunk_count = $3, error_message = $4, updated_at = $5
WHERE id = $1 AND (status <> 'success' OR $2 = 'success')
`, id, string(status), chunkCount, errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update revision status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update revision status rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.GetRevision(ctx, id); err != nil {
			return err
		}
		return domain.WrapError(domain.ErrInvalidTransition, "update revision status",
			fmt.Errorf("revision %s is success, cannot become %s", id, status))
	}
	return nil
}

func (r *DocumentRepository) ListRevisions(ctx context.Context, scope domain.RevisionScope) ([]domain.RevisionRef, error) {
	query := `
SELECT r.id, r.document_id, r.revision_hash, r.status, r.chunk_count, r.error_message, r.created_at, r.updated_at,
	d.id, d.source, d.external_id, d.title, d.content_hash, d.version, d.status, d.metadata, d.is_empty, d.created_at
FROM index_revisions r
JOIN documents d ON d.id = r.document_id
WHERE r.status = 'success'`
	args := []any{}
	if scope.Source != "" {
		query += ` AND d.source = $1`
		args = append(args, scope.Source)
	}
	query += `
ORDER BY d.source ASC, d.external_id ASC, d.version ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var out []domain.RevisionRef
	for rows.Next() {
		var (
			ref       domain.RevisionRef
			revStatus string
			docStatus string
			metaRaw   []byte
		)
		if err := rows.Scan(
			&ref.Revision.ID, &ref.Revision.DocumentID, &ref.Revision.RevisionHash, &revStatus,
			&ref.Revision.ChunkCount, &ref.Revision.Error, &ref.Revision.CreatedAt, &ref.Revision.UpdatedAt,
			&ref.Document.ID, &ref.Document.Source, &ref.Document.ExternalID, &ref.Document.Title,
			&ref.Document.ContentHash, &ref.Document.Version, &docStatus, &metaRaw,
			&ref.Document.Empty, &ref.Document.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan revision ref: %w", err)
		}
		ref.Revision.Status = domain.RevisionStatus(revStatus)
		ref.Document.Status = domain.DocumentStatus(docStatus)
		if err := json.Unmarshal(metaRaw, &ref.Document.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) ListVersions(ctx context.Context, source, externalID string) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE source = $1 AND external_id = $2
ORDER BY version ASC
`, source, externalID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var (
		doc     domain.Document
		status  string
		metaRaw []byte
	)
	if err := row.Scan(
		&doc.ID, &doc.Source, &doc.ExternalID, &doc.Title, &doc.ContentHash, &doc.Version,
		&status, &metaRaw, &doc.Empty, &doc.CreatedAt,
	); err != nil {
		return nil, err
	}
	doc.Status = domain.DocumentStatus(status)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

func scanDocumentOptional(row rowScanner) (*domain.Document, error) {
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

func scanRevision(row rowScanner) (*domain.IndexRevision, error) {
	var (
		rev    domain.IndexRevision
		status string
	)
	if err := row.Scan(
		&rev.ID, &rev.DocumentID, &rev.RevisionHash, &status, &rev.ChunkCount, &rev.Error, &rev.CreatedAt, &rev.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rev.Status = domain.RevisionStatus(status)
	return &rev, nil
}
