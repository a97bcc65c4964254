package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

type replayKey struct{}

// withReplay marks ctx as a replay of an existing ledger row so stage failures
// are not recorded twice.
func withReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

func isReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// failureLedger appends stage failures to the failed-job ledger. Recording
// problems are logged and never mask the stage error.
type failureLedger struct {
	repo  ports.FailedJobRepository
	newID func() string
	now   func() time.Time
}

func newFailureLedger(repo ports.FailedJobRepository, newID func() string) *failureLedger {
	return &failureLedger{repo: repo, newID: newID, now: time.Now}
}

func (l *failureLedger) record(ctx context.Context, jobName, key string, payload any, cause error) {
	if l == nil || l.repo == nil || cause == nil || isReplay(ctx) {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed_job_payload_marshal", "job_name", jobName, "idempotency_key", key, "error", err)
		raw = nil
	}
	job := domain.FailedJob{
		ID:             l.newID(),
		JobName:        jobName,
		IdempotencyKey: key,
		Status:         domain.FailedJobOpen,
		ErrorMessage:   cause.Error(),
		Payload:        raw,
		FailedAt:       l.now().UTC(),
	}
	// The stage context may already be cancelled.
	if err := l.repo.Record(context.WithoutCancel(ctx), job); err != nil {
		slog.Error("failed_job_record_failed", "job_name", jobName, "idempotency_key", key, "error", err)
		return
	}
	slog.Warn("failed_job_recorded",
		"failed_job_id", job.ID,
		"job_name", jobName,
		"idempotency_key", key,
		"error", cause,
	)
}

type revisionPayload struct {
	RevisionID string `json:"revision_id"`
}
