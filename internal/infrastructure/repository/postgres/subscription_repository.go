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

type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, owner_id, name, criteria, channel, target, min_score, active, created_at, updated_at`

func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	criteria, err := json.Marshal(sub.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO subscriptions (`+subscriptionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
	owner_id = EXCLUDED.owner_id,
	name = EXCLUDED.name,
	criteria = EXCLUDED.criteria,
	channel = EXCLUDED.channel,
	target = EXCLUDED.target,
	min_score = EXCLUDED.min_score,
	active = EXCLUDED.active,
	updated_at = EXCLUDED.updated_at
`,
		sub.ID, sub.OwnerID, sub.Name, criteria, string(sub.Channel), sub.Target,
		sub.MinScore, sub.Active, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("upsert subscription", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRowContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE id = $1
`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get subscription", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE active
ORDER BY id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// scanSubscription keeps rows whose criteria no longer decode: the match
// engine reports them per subscription instead of failing the whole listing.
func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub         domain.Subscription
		criteriaRaw []byte
		channel     string
	)
	if err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.Name, &criteriaRaw, &channel, &sub.Target,
		&sub.MinScore, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Channel = domain.DeliveryChannel(channel)
	if err := json.Unmarshal(criteriaRaw, &sub.Criteria); err != nil {
		sub.Criteria = []domain.Criterion{{Kind: domain.CriterionKind("undecodable")}}
	}
	return &sub, nil
}

type MatchRepository struct {
	db *sql.DB
}

func NewMatchRepository(db *sql.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

func (r *MatchRepository) UpsertMatch(ctx context.Context, m domain.MatchResult) error {
	evidence, err := json.Marshal(m.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO match_results (subscription_id, revision_id, document_id, score, explanation, evidence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (subscription_id, revision_id) DO UPDATE SET
	document_id = EXCLUDED.document_id,
	score = EXCLUDED.score,
	explanation = EXCLUDED.explanation,
	evidence = EXCLUDED.evidence
`, m.SubscriptionID, m.RevisionID, m.DocumentID, m.Score, m.Explanation, evidence, m.CreatedAt)
	if err != nil {
		return mapWriteError("upsert match result", err)
	}
	return nil
}

func (r *MatchRepository) ListByRevision(ctx context.Context, revisionID string) ([]domain.MatchResult, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT subscription_id, revision_id, document_id, score, explanation, evidence, created_at
FROM match_results
WHERE revision_id = $1
ORDER BY score DESC, subscription_id ASC
`, revisionID)
	if err != nil {
		return nil, fmt.Errorf("list match results: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchResult
	for rows.Next() {
		var (
			m           domain.MatchResult
			evidenceRaw []byte
		)
		if err := rows.Scan(&m.SubscriptionID, &m.RevisionID, &m.DocumentID, &m.Score, &m.Explanation, &evidenceRaw, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan match result: %w", err)
		}
		if err := json.Unmarshal(evidenceRaw, &m.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match results: %w", err)
	}
	return out, nil
}
