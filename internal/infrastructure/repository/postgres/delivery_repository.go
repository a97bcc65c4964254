package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `id, event_key, subscription_id, revision_id, channel, target, status, attempt_count,
	max_attempts, next_retry_at, error_message, payload, status_history, created_at, updated_at`

func (r *DeliveryRepository) CreatePending(ctx context.Context, d domain.DeliveryLog) (bool, error) {
	history, err := json.Marshal(d.StatusHistory)
	if err != nil {
		return false, fmt.Errorf("marshal status history: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO delivery_logs (`+deliveryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (event_key) DO NOTHING
`,
		d.ID, d.EventKey, d.SubscriptionID, d.RevisionID, string(d.Channel), d.Target, string(d.Status),
		d.AttemptCount, d.MaxAttempts, nullTime(d.NextRetryAt), d.ErrorMessage, []byte(d.Payload), history,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return false, mapWriteError("insert delivery log", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert delivery log rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent dispatchers never
// claim the same row, and moves them to attempted in the same transaction.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, revisionID string, now time.Time, limit int) ([]domain.DeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
SELECT ` + deliveryColumns + `
FROM delivery_logs
WHERE (status = 'pending' OR (status = 'failed' AND (next_retry_at IS NULL OR next_retry_at <= $1)))
	AND attempt_count < max_attempts`
	args := []any{now, limit}
	if revisionID != "" {
		query += `
	AND revision_id = $3`
		args = append(args, revisionID)
	}
	query += `
ORDER BY created_at ASC, id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

	claimed, err := queryDeliveries(ctx, tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}

	out := make([]domain.DeliveryLog, 0, len(claimed))
	for _, d := range claimed {
		from := d.Status
		t, err := d.BeginAttempt(now)
		if err != nil {
			continue
		}
		if err := saveTransition(ctx, tx, d, from, t); err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return out, nil
}

func (r *DeliveryRepository) SaveTransition(ctx context.Context, d domain.DeliveryLog, from domain.DeliveryStatus, t domain.StatusTransition) error {
	return saveTransition(ctx, r.db, d, from, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// saveTransition is conditional on the prior status and appends to the
// history instead of rewriting it.
func saveTransition(ctx context.Context, db execer, d domain.DeliveryLog, from domain.DeliveryStatus, t domain.StatusTransition) error {
	entry, err := json.Marshal([]domain.StatusTransition{t})
	if err != nil {
		return fmt.Errorf("marshal status transition: %w", err)
	}
	res, err := db.ExecContext(ctx, `
UPDATE delivery_logs
SET status = $2, attempt_count = $3, next_retry_at = $4, error_message = $5, updated_at = $6,
	status_history = status_history || $7::jsonb
WHERE id = $1 AND status = $8
`,
		d.ID, string(d.Status), d.AttemptCount, nullTime(d.NextRetryAt), d.ErrorMessage, d.UpdatedAt,
		string(entry), string(from),
	)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update delivery rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrConflict, "save delivery transition",
			fmt.Errorf("delivery %s no longer %s", d.ID, from))
	}
	return nil
}

func (r *DeliveryRepository) ListStaleAttempted(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return queryDeliveries(ctx, r.db, `
SELECT `+deliveryColumns+`
FROM delivery_logs
WHERE status = 'attempted' AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`, olderThan, limit)
}

func (r *DeliveryRepository) ListByRevision(ctx context.Context, revisionID string) ([]domain.DeliveryLog, error) {
	return queryDeliveries(ctx, r.db, `
SELECT `+deliveryColumns+`
FROM delivery_logs
WHERE revision_id = $1
ORDER BY created_at ASC, id ASC
`, revisionID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryDeliveries(ctx context.Context, q querier, query string, args ...any) ([]domain.DeliveryLog, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryLog
	for rows.Next() {
		var (
			d          domain.DeliveryLog
			channel    string
			status     string
			nextRetry  sql.NullTime
			payload    []byte
			historyRaw []byte
		)
		if err := rows.Scan(
			&d.ID, &d.EventKey, &d.SubscriptionID, &d.RevisionID, &channel, &d.Target, &status,
			&d.AttemptCount, &d.MaxAttempts, &nextRetry, &d.ErrorMessage, &payload, &historyRaw,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		d.Channel = domain.DeliveryChannel(channel)
		d.Status = domain.DeliveryStatus(status)
		d.NextRetryAt = timePtr(nextRetry)
		d.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(historyRaw, &d.StatusHistory); err != nil {
			return nil, fmt.Errorf("unmarshal status history: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery logs: %w", err)
	}
	return out, nil
}
