package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

var deliveryCols = []string{"id", "event_key", "subscription_id", "revision_id", "channel", "target", "status",
	"attempt_count", "max_attempts", "next_retry_at", "error_message", "payload", "status_history", "created_at", "updated_at"}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, func() { _ = db.Close() }
}

func TestCreatePendingIgnoresExistingEventKey(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewDeliveryRepository(db)

	now := time.Now().UTC()
	log, err := domain.NewDeliveryLog("d-1",
		domain.Subscription{ID: "sub-1", Channel: domain.ChannelWebhook, Target: "http://hook"},
		domain.Notification{RevisionID: "rev-1"}, 3, now)
	if err != nil {
		t.Fatalf("NewDeliveryLog() error = %v", err)
	}

	mock.ExpectExec("ON CONFLICT \\(event_key\\) DO NOTHING").
		WithArgs("d-1", domain.EventKey("sub-1", "rev-1"), "sub-1", "rev-1", "webhook", "http://hook", "pending",
			0, 3, sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.CreatePending(context.Background(), log)
	if err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}
	if created {
		t.Fatalf("expected duplicate event key to be ignored")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimDueMovesRowsToAttempted(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewDeliveryRepository(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history, _ := json.Marshal([]domain.StatusTransition{{To: domain.DeliveryPending, At: now}})

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, 10, "rev-1").
		WillReturnRows(sqlmock.NewRows(deliveryCols).AddRow(
			"d-1", "ek", "sub-1", "rev-1", "webhook", "http://hook", "pending",
			0, 3, nil, "", []byte(`{"revision_id":"rev-1"}`), history, now, now,
		))
	mock.ExpectExec("UPDATE delivery_logs").
		WithArgs("d-1", "attempted", 1, sqlmock.AnyArg(), "", now, sqlmock.AnyArg(), "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := repo.ClaimDue(context.Background(), "rev-1", now, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed row, got %d", len(claimed))
	}
	d := claimed[0]
	if d.Status != domain.DeliveryAttempted || d.AttemptCount != 1 {
		t.Fatalf("unexpected claimed row %+v", d)
	}
	if len(d.StatusHistory) != 2 || d.StatusHistory[1].From != domain.DeliveryPending {
		t.Fatalf("expected appended history, got %+v", d.StatusHistory)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveTransitionConflictWhenStatusMoved(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewDeliveryRepository(db)

	now := time.Now().UTC()
	d := domain.DeliveryLog{ID: "d-1", Status: domain.DeliveryAttempted, AttemptCount: 1, MaxAttempts: 3}
	tr, err := d.MarkDelivered(now)
	if err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}

	mock.ExpectExec("status_history = status_history \\|\\| \\$7::jsonb").
		WithArgs("d-1", "delivered", 1, sqlmock.AnyArg(), "", now, sqlmock.AnyArg(), "attempted").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.SaveTransition(context.Background(), d, domain.DeliveryAttempted, tr)
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveFailedJobRejectsResolvedRow(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewFailedJobRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE failed_jobs").
		WithArgs("fj-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM failed_jobs").
		WithArgs("fj-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_name", "idempotency_key", "status", "error_message", "payload", "failed_at", "resolved_at"}).
			AddRow("fj-1", domain.JobIngest, "tenders/T-1", "resolved", "boom", nil, now, now))

	err := repo.Resolve(context.Background(), "fj-1", now)
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListFailedJobsByStatus(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewFailedJobRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(`WHERE status = \$2`).
		WithArgs(100, "open").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_name", "idempotency_key", "status", "error_message", "payload", "failed_at", "resolved_at"}).
			AddRow("fj-1", domain.JobReindex, "rev-1", "open", "embed down", []byte(`{"revision_id":"rev-1"}`), now, nil))

	jobs, err := repo.List(context.Background(), domain.FailedJobOpen, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobName != domain.JobReindex || jobs[0].ResolvedAt != nil {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if string(jobs[0].Payload) != `{"revision_id":"rev-1"}` {
		t.Fatalf("unexpected payload %s", jobs[0].Payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
