package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type FailedJobRepository struct {
	db *sql.DB
}

func NewFailedJobRepository(db *sql.DB) *FailedJobRepository {
	return &FailedJobRepository{db: db}
}

const failedJobColumns = `id, job_name, idempotency_key, status, error_message, payload, failed_at, resolved_at`

func (r *FailedJobRepository) Record(ctx context.Context, job domain.FailedJob) error {
	var payload any
	if len(job.Payload) > 0 {
		payload = []byte(job.Payload)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO failed_jobs (`+failedJobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		job.ID, job.JobName, job.IdempotencyKey, string(job.Status), job.ErrorMessage,
		payload, job.FailedAt, nullTime(job.ResolvedAt),
	)
	if err != nil {
		return mapWriteError("insert failed job", err)
	}
	return nil
}

func (r *FailedJobRepository) GetByID(ctx context.Context, id string) (*domain.FailedJob, error) {
	job, err := scanFailedJob(r.db.QueryRowContext(ctx, `
SELECT `+failedJobColumns+`
FROM failed_jobs
WHERE id = $1
`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get failed job", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan failed job: %w", err)
	}
	return job, nil
}

func (r *FailedJobRepository) List(ctx context.Context, status domain.FailedJobStatus, limit int) ([]domain.FailedJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
SELECT ` + failedJobColumns + `
FROM failed_jobs`
	args := []any{limit}
	if status != "" {
		query += `
WHERE status = $2`
		args = append(args, string(status))
	}
	query += `
ORDER BY failed_at DESC, id ASC
LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.FailedJob
	for rows.Next() {
		job, err := scanFailedJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed jobs: %w", err)
	}
	return out, nil
}

func (r *FailedJobRepository) Resolve(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE failed_jobs
SET status = 'resolved', resolved_at = $2
WHERE id = $1 AND status = 'open'
`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("resolve failed job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve failed job rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.WrapError(domain.ErrInvalidTransition, "resolve failed job", fmt.Errorf("job %s is not open", id))
	}
	return nil
}

func scanFailedJob(row rowScanner) (*domain.FailedJob, error) {
	var (
		job      domain.FailedJob
		status   string
		payload  []byte
		resolved sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.JobName, &job.IdempotencyKey, &status, &job.ErrorMessage, &payload, &job.FailedAt, &resolved,
	); err != nil {
		return nil, err
	}
	job.Status = domain.FailedJobStatus(status)
	if len(payload) > 0 {
		job.Payload = payload
	}
	job.ResolvedAt = timePtr(resolved)
	return &job, nil
}
