package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

// maxDispatchPasses bounds how many claim batches one dispatch call drains.
const maxDispatchPasses = 100

var errAttemptTimedOut = errors.New("delivery attempt timed out without a result")

type NotifyConfig struct {
	MaxAttempts    int
	BatchSize      int
	AttemptTimeout time.Duration
	// Backoff returns the wait before the next attempt after a failed one.
	Backoff func(attempt int) time.Duration
}

type NotifyUseCase struct {
	docs          ports.DocumentRepository
	subscriptions ports.SubscriptionRepository
	matches       ports.MatchRepository
	deliveries    ports.DeliveryRepository
	notifiers     map[domain.DeliveryChannel]ports.Notifier
	cfg           NotifyConfig
	newID         func() string
	now           func() time.Time
}

func NewNotifyUseCase(
	docs ports.DocumentRepository,
	subscriptions ports.SubscriptionRepository,
	matches ports.MatchRepository,
	deliveries ports.DeliveryRepository,
	notifiers []ports.Notifier,
	cfg NotifyConfig,
) *NotifyUseCase {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration {
			return time.Duration(1<<min(attempt, 10)) * 15 * time.Second
		}
	}
	byChannel := make(map[domain.DeliveryChannel]ports.Notifier, len(notifiers))
	for _, n := range notifiers {
		byChannel[n.Channel()] = n
	}
	return &NotifyUseCase{
		docs:          docs,
		subscriptions: subscriptions,
		matches:       matches,
		deliveries:    deliveries,
		notifiers:     byChannel,
		cfg:           cfg,
		newID:         uuid.NewString,
		now:           time.Now,
	}
}

// NotifyRevision creates a pending delivery for every match of the revision
// (existing event keys are left alone) and dispatches what is due for it.
func (uc *NotifyUseCase) NotifyRevision(ctx context.Context, revisionID string) (domain.NotifyReport, error) {
	report := domain.NotifyReport{RevisionID: revisionID}

	rev, err := uc.docs.GetRevision(ctx, revisionID)
	if err != nil {
		return report, fmt.Errorf("load revision: %w", err)
	}
	doc, err := uc.docs.GetByID(ctx, rev.DocumentID)
	if err != nil {
		return report, fmt.Errorf("load document: %w", err)
	}
	results, err := uc.matches.ListByRevision(ctx, revisionID)
	if err != nil {
		return report, fmt.Errorf("list matches: %w", err)
	}
	report.Matches = len(results)

	for _, m := range results {
		created, err := uc.createPending(ctx, *doc, m)
		if err != nil {
			report.Skipped++
			slog.Warn("delivery_create_failed",
				"subscription_id", m.SubscriptionID,
				"revision_id", revisionID,
				"error", err,
			)
			continue
		}
		if created {
			report.Created++
		} else {
			report.Skipped++
		}
	}

	dispatched, err := uc.dispatch(ctx, revisionID)
	report.Delivered = dispatched.Delivered
	report.Failed = dispatched.Retrying + dispatched.Permanent
	if err != nil {
		return report, err
	}
	return report, nil
}

func (uc *NotifyUseCase) createPending(ctx context.Context, doc domain.Document, m domain.MatchResult) (bool, error) {
	sub, err := uc.subscriptions.GetByID(ctx, m.SubscriptionID)
	if err != nil {
		return false, fmt.Errorf("load subscription: %w", err)
	}
	if !sub.Active {
		return false, nil
	}
	payload := domain.Notification{
		EventKey:       domain.EventKey(sub.ID, m.RevisionID),
		SubscriptionID: sub.ID,
		RevisionID:     m.RevisionID,
		DocumentID:     doc.ID,
		Title:          doc.Title,
		Source:         doc.Source,
		ExternalID:     doc.ExternalID,
		Score:          m.Score,
		Explanation:    m.Explanation,
		Evidence:       m.Evidence,
	}
	delivery, err := domain.NewDeliveryLog(uc.newID(), *sub, payload, uc.cfg.MaxAttempts, uc.now().UTC())
	if err != nil {
		return false, err
	}
	return uc.deliveries.CreatePending(ctx, delivery)
}

func (uc *NotifyUseCase) DispatchDue(ctx context.Context) (domain.DispatchReport, error) {
	return uc.dispatch(ctx, "")
}

func (uc *NotifyUseCase) dispatch(ctx context.Context, revisionID string) (domain.DispatchReport, error) {
	var report domain.DispatchReport
	for pass := 0; pass < maxDispatchPasses; pass++ {
		claimed, err := uc.deliveries.ClaimDue(ctx, revisionID, uc.now().UTC(), uc.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("claim due deliveries: %w", err)
		}
		report.Claimed += len(claimed)
		for _, d := range claimed {
			if err := ctx.Err(); err != nil {
				// Claimed rows stay attempted and are picked up by RecoverStale.
				return report, err
			}
			report.Add(uc.deliver(ctx, d))
		}
		if len(claimed) < uc.cfg.BatchSize {
			break
		}
	}
	return report, nil
}

// deliver sends one claimed (attempted) row and saves the outcome.
func (uc *NotifyUseCase) deliver(ctx context.Context, d domain.DeliveryLog) domain.DispatchReport {
	start := uc.now()
	from := d.Status
	sendErr := uc.send(ctx, d)

	var (
		t   domain.StatusTransition
		err error
	)
	now := uc.now().UTC()
	if sendErr == nil {
		t, err = d.MarkDelivered(now)
	} else {
		retryable := !domain.IsKind(sendErr, domain.ErrPermanent)
		t, err = d.MarkFailed(sendErr, retryable, uc.cfg.Backoff(d.AttemptCount), now)
	}
	if err != nil {
		slog.Error("delivery_transition_invalid", "delivery_id", d.ID, "event_key", d.EventKey, "error", err)
		return domain.DispatchReport{}
	}
	if err := uc.deliveries.SaveTransition(context.WithoutCancel(ctx), d, from, t); err != nil {
		slog.Error("delivery_save_failed", "delivery_id", d.ID, "event_key", d.EventKey, "error", err)
		return domain.DispatchReport{}
	}

	attrs := []any{
		"delivery_id", d.ID,
		"event_key", d.EventKey,
		"subscription_id", d.SubscriptionID,
		"revision_id", d.RevisionID,
		"channel", d.Channel,
		"attempt", d.AttemptCount,
		"status", d.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if sendErr != nil {
		slog.Warn("delivery_attempt_failed", append(attrs, "error", sendErr)...)
	} else {
		slog.Info("delivery_attempt_succeeded", attrs...)
	}
	return outcome(d.Status)
}

func (uc *NotifyUseCase) send(ctx context.Context, d domain.DeliveryLog) error {
	notifier, ok := uc.notifiers[d.Channel]
	if !ok {
		return domain.WrapError(domain.ErrPermanent, "deliver", fmt.Errorf("no notifier for channel %q", d.Channel))
	}
	n, err := d.Notification()
	if err != nil {
		return domain.WrapError(domain.ErrPermanent, "deliver", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, uc.cfg.AttemptTimeout)
	defer cancel()
	return notifier.Send(sendCtx, d.Target, n)
}

func outcome(status domain.DeliveryStatus) domain.DispatchReport {
	switch status {
	case domain.DeliveryDelivered:
		return domain.DispatchReport{Delivered: 1}
	case domain.DeliveryFailed:
		return domain.DispatchReport{Retrying: 1}
	case domain.DeliveryFailedPermanent:
		return domain.DispatchReport{Permanent: 1}
	default:
		return domain.DispatchReport{}
	}
}

// RecoverStale fails attempted rows whose attempt never reported back, e.g.
// after a worker crash, so the retry policy picks them up again.
func (uc *NotifyUseCase) RecoverStale(ctx context.Context) (domain.DispatchReport, error) {
	var report domain.DispatchReport
	now := uc.now().UTC()
	stale, err := uc.deliveries.ListStaleAttempted(ctx, now.Add(-2*uc.cfg.AttemptTimeout), uc.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale deliveries: %w", err)
	}
	for _, d := range stale {
		from := d.Status
		t, err := d.MarkFailed(errAttemptTimedOut, true, uc.cfg.Backoff(d.AttemptCount), now)
		if err != nil {
			continue
		}
		if err := uc.deliveries.SaveTransition(ctx, d, from, t); err != nil {
			if !domain.IsKind(err, domain.ErrConflict) {
				slog.Error("delivery_recover_failed", "delivery_id", d.ID, "event_key", d.EventKey, "error", err)
			}
			continue
		}
		slog.Warn("delivery_recovered",
			"delivery_id", d.ID,
			"event_key", d.EventKey,
			"attempt", d.AttemptCount,
			"status", d.Status,
		)
		report.Recovered++
		report.Add(outcome(d.Status))
	}
	return report, nil
}

func (uc *NotifyUseCase) ListDeliveries(ctx context.Context, revisionID string) ([]domain.DeliveryLog, error) {
	return uc.deliveries.ListByRevision(ctx, revisionID)
}

// MatchNotifyUseCase runs matching then notification for one revision.
type MatchNotifyUseCase struct {
	match  *MatchUseCase
	notify *NotifyUseCase
	ledger *failureLedger
}

func NewMatchNotifyUseCase(match *MatchUseCase, notify *NotifyUseCase, failedJobs ports.FailedJobRepository) *MatchNotifyUseCase {
	return &MatchNotifyUseCase{
		match:  match,
		notify: notify,
		ledger: newFailureLedger(failedJobs, uuid.NewString),
	}
}

func (uc *MatchNotifyUseCase) RunMatchNotify(ctx context.Context, revisionID string) (domain.NotifyReport, error) {
	if _, err := uc.match.Match(ctx, revisionID); err != nil {
		err = fmt.Errorf("match: %w", err)
		uc.ledger.record(ctx, domain.JobMatchNotify, revisionID, revisionPayload{RevisionID: revisionID}, err)
		return domain.NotifyReport{RevisionID: revisionID}, err
	}
	report, err := uc.notify.NotifyRevision(ctx, revisionID)
	if err != nil {
		err = fmt.Errorf("notify: %w", err)
		uc.ledger.record(ctx, domain.JobMatchNotify, revisionID, revisionPayload{RevisionID: revisionID}, err)
		return report, err
	}
	return report, nil
}
