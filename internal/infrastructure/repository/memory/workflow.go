package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type SubscriptionRepository struct{ s *Store }

func (r *SubscriptionRepository) Upsert(_ context.Context, sub *domain.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = r.s.newID()
	}
	now := time.Now().UTC()
	if prev, ok := r.s.subscriptions[sub.ID]; ok && sub.CreatedAt.IsZero() {
		sub.CreatedAt = prev.CreatedAt
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	cp := *sub
	cp.Criteria = slices.Clone(sub.Criteria)
	r.s.subscriptions[sub.ID] = cp
	return nil
}

func (r *SubscriptionRepository) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sub, ok := r.s.subscriptions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get subscription", fmt.Errorf("id=%s", id))
	}
	return &sub, nil
}

func (r *SubscriptionRepository) ListActive(_ context.Context) ([]domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Subscription
	for _, sub := range r.s.subscriptions {
		if sub.Active {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type MatchRepository struct{ s *Store }

func matchKey(subscriptionID, revisionID string) string {
	return subscriptionID + "/" + revisionID
}

func (r *MatchRepository) UpsertMatch(_ context.Context, m domain.MatchResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := matchKey(m.SubscriptionID, m.RevisionID)
	if prev, ok := r.s.matches[key]; ok {
		m.CreatedAt = prev.CreatedAt
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.s.matches[key] = m
	return nil
}

func (r *MatchRepository) ListByRevision(_ context.Context, revisionID string) ([]domain.MatchResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.MatchResult
	for _, m := range r.s.matches {
		if m.RevisionID == revisionID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out, nil
}

type DeliveryRepository struct{ s *Store }

func (r *DeliveryRepository) CreatePending(_ context.Context, d domain.DeliveryLog) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.eventKeys[d.EventKey]; exists {
		return false, nil
	}
	d.StatusHistory = slices.Clone(d.StatusHistory)
	r.s.deliveries[d.ID] = d
	r.s.eventKeys[d.EventKey] = d.ID
	return true, nil
}

func (r *DeliveryRepository) ClaimDue(_ context.Context, revisionID string, now time.Time, limit int) ([]domain.DeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []domain.DeliveryLog
	for _, d := range r.s.deliveries {
		if revisionID != "" && d.RevisionID != revisionID {
			continue
		}
		if d.Due(now) {
			due = append(due, d)
		}
	}
	sortDeliveries(due)
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.DeliveryLog, 0, len(due))
	for _, d := range due {
		d.StatusHistory = slices.Clone(d.StatusHistory)
		if _, err := d.BeginAttempt(now); err != nil {
			continue
		}
		r.s.deliveries[d.ID] = d
		out = append(out, d)
	}
	return out, nil
}

func (r *DeliveryRepository) SaveTransition(_ context.Context, d domain.DeliveryLog, from domain.DeliveryStatus, t domain.StatusTransition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.deliveries[d.ID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save delivery transition", fmt.Errorf("id=%s", d.ID))
	}
	if cur.Status != from {
		return domain.WrapError(domain.ErrConflict, "save delivery transition",
			fmt.Errorf("delivery %s no longer %s", d.ID, from))
	}
	cur.Status = d.Status
	cur.AttemptCount = d.AttemptCount
	cur.NextRetryAt = d.NextRetryAt
	cur.ErrorMessage = d.ErrorMessage
	cur.UpdatedAt = d.UpdatedAt
	cur.StatusHistory = append(slices.Clone(cur.StatusHistory), t)
	r.s.deliveries[d.ID] = cur
	return nil
}

func (r *DeliveryRepository) ListStaleAttempted(_ context.Context, olderThan time.Time, limit int) ([]domain.DeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.DeliveryLog
	for _, d := range r.s.deliveries {
		if d.Status == domain.DeliveryAttempted && d.UpdatedAt.Before(olderThan) {
			out = append(out, d)
		}
	}
	sortDeliveries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeliveryRepository) ListByRevision(_ context.Context, revisionID string) ([]domain.DeliveryLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.DeliveryLog
	for _, d := range r.s.deliveries {
		if d.RevisionID == revisionID {
			out = append(out, d)
		}
	}
	sortDeliveries(out)
	return out, nil
}

func sortDeliveries(items []domain.DeliveryLog) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

type FailedJobRepository struct{ s *Store }

func (r *FailedJobRepository) Record(_ context.Context, job domain.FailedJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.failedJobs[job.ID]; exists {
		return domain.WrapError(domain.ErrConflict, "record failed job", fmt.Errorf("id=%s", job.ID))
	}
	r.s.failedJobs[job.ID] = job
	return nil
}

func (r *FailedJobRepository) GetByID(_ context.Context, id string) (*domain.FailedJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	job, ok := r.s.failedJobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get failed job", fmt.Errorf("id=%s", id))
	}
	return &job, nil
}

func (r *FailedJobRepository) List(_ context.Context, status domain.FailedJobStatus, limit int) ([]domain.FailedJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.FailedJob
	for _, job := range r.s.failedJobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FailedJobRepository) Resolve(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.failedJobs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "resolve failed job", fmt.Errorf("id=%s", id))
	}
	if job.Status != domain.FailedJobOpen {
		return domain.WrapError(domain.ErrInvalidTransition, "resolve failed job", fmt.Errorf("job %s is not open", id))
	}
	resolved := at.UTC()
	job.Status = domain.FailedJobResolved
	job.ResolvedAt = &resolved
	r.s.failedJobs[id] = job
	return nil
}
