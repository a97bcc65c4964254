package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

var docCols = []string{"id", "source", "external_id", "title", "content_hash", "version", "status", "metadata", "is_empty", "created_at"}

var revCols = []string{"id", "document_id", "revision_hash", "status", "chunk_count", "error_message", "created_at", "updated_at"}

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	seq := 0
	newID := func() string {
		seq++
		return []string{"doc-new", "rev-new", "x-3", "x-4"}[seq-1]
	}
	return &DocumentRepository{db: db, newID: newID}, mock, func() { _ = db.Close() }
}

func versionInput(hash string) domain.VersionInput {
	return domain.VersionInput{
		Source:      "tenders",
		ExternalID:  "T-1",
		Title:       "Office equipment supply",
		ContentHash: hash,
		Text:        "Article 1\nSupply of laptops.",
		Mime:        "text/plain",
		Metadata:    domain.DocumentMetadata{Category: "it"},
		Now:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestResolveVersionCreatesFirstVersion(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("tenders", "T-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("status = 'active'").
		WithArgs("tenders", "T-1").
		WillReturnRows(sqlmock.NewRows(docCols))
	mock.ExpectQuery(`content_hash = \$3`).
		WithArgs("tenders", "T-1", "hash-a").
		WillReturnRows(sqlmock.NewRows(docCols))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WithArgs("tenders", "T-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-new", "tenders", "T-1", "Office equipment supply", "hash-a", 1, "active",
			sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO document_bodies").
		WithArgs("doc-new", "Article 1\nSupply of laptops.", "text/plain", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO index_revisions").
		WithArgs("rev-new", "doc-new", "hash-a", "pending", 0, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	decision, err := repo.ResolveVersion(context.Background(), versionInput("hash-a"))
	if err != nil {
		t.Fatalf("ResolveVersion() error = %v", err)
	}
	if decision.Action != domain.IngestCreated {
		t.Fatalf("expected created, got %s", decision.Action)
	}
	if decision.Document.Version != 1 || decision.Document.Status != domain.DocumentActive {
		t.Fatalf("unexpected document %+v", decision.Document)
	}
	if decision.Revision.Status != domain.RevisionPending || decision.Revision.RevisionHash != "hash-a" {
		t.Fatalf("unexpected revision %+v", decision.Revision)
	}
	if decision.Superseded != nil {
		t.Fatalf("expected nothing superseded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveVersionUnchangedReturnsExistingRevision(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("status = 'active'").
		WillReturnRows(sqlmock.NewRows(docCols).
			AddRow("doc-1", "tenders", "T-1", "t", "hash-a", 1, "active", []byte(`{}`), false, created))
	mock.ExpectQuery("FROM index_revisions").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(revCols).
			AddRow("rev-1", "doc-1", "hash-a", "success", 3, "", created, created))
	mock.ExpectCommit()

	decision, err := repo.ResolveVersion(context.Background(), versionInput("hash-a"))
	if err != nil {
		t.Fatalf("ResolveVersion() error = %v", err)
	}
	if decision.Action != domain.IngestUnchanged {
		t.Fatalf("expected unchanged, got %s", decision.Action)
	}
	if decision.Document.ID != "doc-1" || decision.Revision.ID != "rev-1" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveVersionSupersedesActiveOnChange(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("status = 'active'").
		WillReturnRows(sqlmock.NewRows(docCols).
			AddRow("doc-1", "tenders", "T-1", "t", "hash-a", 1, "active", []byte(`{}`), false, created))
	mock.ExpectQuery(`content_hash = \$3`).
		WithArgs("tenders", "T-1", "hash-b").
		WillReturnRows(sqlmock.NewRows(docCols))
	mock.ExpectExec("UPDATE documents SET status = 'superseded'").
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO document_bodies").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO index_revisions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	decision, err := repo.ResolveVersion(context.Background(), versionInput("hash-b"))
	if err != nil {
		t.Fatalf("ResolveVersion() error = %v", err)
	}
	if decision.Action != domain.IngestNewVersion || decision.Document.Version != 2 {
		t.Fatalf("expected new_version v2, got %s v%d", decision.Action, decision.Document.Version)
	}
	if decision.Superseded == nil || decision.Superseded.ID != "doc-1" || decision.Superseded.Status != domain.DocumentSuperseded {
		t.Fatalf("expected doc-1 superseded, got %+v", decision.Superseded)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveVersionMapsUniqueViolationToConflict(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("status = 'active'").WillReturnRows(sqlmock.NewRows(docCols))
	mock.ExpectQuery(`content_hash = \$3`).WillReturnRows(sqlmock.NewRows(docCols))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec("INSERT INTO documents").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := repo.ResolveVersion(context.Background(), versionInput("hash-a"))
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, source, external_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateRevisionStatusRejectsLeavingSuccess(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE index_revisions").
		WithArgs("rev-1", "failed", 0, "embed down", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM index_revisions").
		WithArgs("rev-1").
		WillReturnRows(sqlmock.NewRows(revCols).AddRow("rev-1", "doc-1", "h", "success", 2, "", now, now))

	err := repo.UpdateRevisionStatus(context.Background(), "rev-1", domain.RevisionFailed, 0, "embed down")
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateRevisionStatusReturnsNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE index_revisions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM index_revisions").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	err := repo.UpdateRevisionStatus(context.Background(), "missing", domain.RevisionSuccess, 1, "")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRevisionsFiltersBySource(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()
	now := time.Now().UTC()

	cols := append(append([]string{}, revCols...), docCols...)
	mock.ExpectQuery(`AND d.source = \$1`).
		WithArgs("tenders").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rev-1", "doc-1", "h", "success", 2, "", now, now,
			"doc-1", "tenders", "T-1", "t", "h", 1, "superseded", []byte(`{"category":"it"}`), false, now,
		))

	refs, err := repo.ListRevisions(context.Background(), domain.RevisionScope{Source: "tenders"})
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(refs) != 1 || refs[0].Document.Metadata.Category != "it" || refs[0].Document.Status != domain.DocumentSuperseded {
		t.Fatalf("unexpected refs %+v", refs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
