package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

type MatchUseCase struct {
	docs          ports.DocumentRepository
	index         ports.ChunkIndex
	subscriptions ports.SubscriptionRepository
	matches       ports.MatchRepository
	concurrency   int
	now           func() time.Time
}

func NewMatchUseCase(
	docs ports.DocumentRepository,
	index ports.ChunkIndex,
	subscriptions ports.SubscriptionRepository,
	matches ports.MatchRepository,
	concurrency int,
) *MatchUseCase {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &MatchUseCase{
		docs:          docs,
		index:         index,
		subscriptions: subscriptions,
		matches:       matches,
		concurrency:   concurrency,
		now:           time.Now,
	}
}

// Match evaluates every active subscription against an indexed revision and
// upserts the matches. A failing subscription is logged and counted; the
// others still run.
func (uc *MatchUseCase) Match(ctx context.Context, revisionID string) (domain.MatchReport, error) {
	start := uc.now()
	report := domain.MatchReport{RevisionID: revisionID}

	in, err := uc.loadInput(ctx, revisionID)
	if err != nil {
		return report, err
	}
	subs, err := uc.subscriptions.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("list subscriptions: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			result, matched, err := uc.evaluate(gctx, sub, in)
			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			switch {
			case err != nil:
				report.Errors++
				slog.Warn("subscription_evaluation_failed",
					"subscription_id", sub.ID,
					"revision_id", revisionID,
					"error", err,
				)
			case matched:
				report.Matched++
				report.Results = append(report.Results, result)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.SubscriptionID < b.SubscriptionID
	})

	slog.Info("match_completed",
		"job_name", domain.JobMatchNotify,
		"document_id", in.Document.ID,
		"revision_id", revisionID,
		"evaluated", report.Evaluated,
		"matched", report.Matched,
		"errors", report.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func (uc *MatchUseCase) loadInput(ctx context.Context, revisionID string) (domain.MatchInput, error) {
	rev, err := uc.docs.GetRevision(ctx, revisionID)
	if err != nil {
		return domain.MatchInput{}, fmt.Errorf("load revision: %w", err)
	}
	if rev.Status != domain.RevisionSuccess {
		return domain.MatchInput{}, domain.WrapError(domain.ErrInvalidInput, "match",
			fmt.Errorf("revision %s is %s, not indexed", revisionID, rev.Status))
	}
	doc, err := uc.docs.GetByID(ctx, rev.DocumentID)
	if err != nil {
		return domain.MatchInput{}, fmt.Errorf("load document: %w", err)
	}
	chunks, err := uc.index.ListChunks(ctx, rev.ID)
	if err != nil {
		return domain.MatchInput{}, fmt.Errorf("load chunks: %w", err)
	}
	return domain.MatchInput{Document: *doc, Revision: *rev, Chunks: chunks}, nil
}

func (uc *MatchUseCase) evaluate(ctx context.Context, sub domain.Subscription, in domain.MatchInput) (domain.MatchResult, bool, error) {
	result, matched, err := sub.Evaluate(in)
	if err != nil || !matched {
		return domain.MatchResult{}, false, err
	}
	result.CreatedAt = uc.now().UTC()
	if err := uc.matches.UpsertMatch(ctx, result); err != nil {
		return domain.MatchResult{}, false, fmt.Errorf("upsert match: %w", err)
	}
	return result, true, nil
}
