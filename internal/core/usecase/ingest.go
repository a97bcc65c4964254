package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

const maxResolveAttempts = 3

type IngestConfig struct {
	Concurrency int
}

type IngestUseCase struct {
	repo        ports.DocumentRepository
	normalizer  ports.Normalizer
	indexer     *revisionIndexer
	events      ports.RevisionEvents
	ledger      *failureLedger
	concurrency int
	now         func() time.Time
}

func NewIngestUseCase(
	repo ports.DocumentRepository,
	normalizer ports.Normalizer,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.ChunkIndex,
	events ports.RevisionEvents,
	failedJobs ports.FailedJobRepository,
	cfg IngestConfig,
) *IngestUseCase {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &IngestUseCase{
		repo:       repo,
		normalizer: normalizer,
		indexer: &revisionIndexer{
			chunker:  chunker,
			embedder: embedder,
			index:    index,
			newID:    uuid.NewString,
		},
		events:      events,
		ledger:      newFailureLedger(failedJobs, uuid.NewString),
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Ingest normalizes, versions and indexes one document. Failures past input
// validation are written to the failed-job ledger.
func (uc *IngestUseCase) Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error) {
	start := uc.now()
	req.Source = strings.TrimSpace(req.Source)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	result := domain.IngestResult{Source: req.Source, ExternalID: req.ExternalID}
	if req.Source == "" {
		return result, domain.WrapError(domain.ErrInvalidInput, "ingest", errors.New("source is required"))
	}

	norm := uc.normalizer.Normalize(req.RawText)
	if req.ExternalID == "" {
		req.ExternalID = norm.Hash
		result.ExternalID = norm.Hash
	}
	key := req.Source + "/" + req.ExternalID

	result, err := uc.ingest(ctx, req, norm, result)
	if err != nil {
		uc.ledger.record(ctx, domain.JobIngest, key, req, err)
		slog.Error("ingest_failed",
			"job_name", domain.JobIngest,
			"idempotency_key", key,
			"document_id", result.DocumentID,
			"revision_id", result.RevisionID,
			"status", "failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return result, err
	}

	slog.Info("ingest_completed",
		"job_name", domain.JobIngest,
		"idempotency_key", key,
		"document_id", result.DocumentID,
		"revision_id", result.RevisionID,
		"action", result.Action,
		"version", result.Version,
		"chunks", result.ChunkCount,
		"indexed", result.Indexed,
		"status", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (uc *IngestUseCase) ingest(ctx context.Context, req domain.IngestRequest, norm domain.NormalizedContent, result domain.IngestResult) (domain.IngestResult, error) {
	decision, err := uc.resolveVersion(ctx, domain.VersionInput{
		Source:      req.Source,
		ExternalID:  req.ExternalID,
		Title:       req.Title,
		ContentHash: norm.Hash,
		Text:        norm.Text,
		Mime:        req.Mime,
		Language:    req.Language,
		Metadata:    req.Metadata,
		Empty:       norm.Text == "",
		Now:         uc.now().UTC(),
	})
	if err != nil {
		return result, err
	}

	doc, rev := decision.Document, decision.Revision
	result.DocumentID = doc.ID
	result.RevisionID = rev.ID
	result.Version = doc.Version
	result.Action = decision.Action
	result.ChunkCount = rev.ChunkCount

	if rev.Status == domain.RevisionSuccess {
		return result, nil
	}

	n, err := uc.indexer.indexRevision(ctx, doc, rev, norm.Text)
	if err != nil {
		uc.markRevisionFailed(ctx, rev.ID, err)
		return result, err
	}
	if err := uc.repo.UpdateRevisionStatus(ctx, rev.ID, domain.RevisionSuccess, n, ""); err != nil {
		return result, fmt.Errorf("mark revision success: %w", err)
	}
	result.ChunkCount = n
	result.Indexed = true

	uc.publishIndexed(ctx, doc, rev)
	return result, nil
}

// resolveVersion retries when a concurrent writer won the race for the key;
// the retry reads the committed state.
func (uc *IngestUseCase) resolveVersion(ctx context.Context, in domain.VersionInput) (domain.VersionDecision, error) {
	var lastErr error
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		decision, err := uc.repo.ResolveVersion(ctx, in)
		if err == nil {
			return decision, nil
		}
		if !domain.IsKind(err, domain.ErrConflict) {
			return domain.VersionDecision{}, fmt.Errorf("resolve version: %w", err)
		}
		lastErr = err
		slog.Warn("resolve_version_conflict", "source", in.Source, "external_id", in.ExternalID, "attempt", attempt)
	}
	return domain.VersionDecision{}, fmt.Errorf("resolve version after %d attempts: %w", maxResolveAttempts, lastErr)
}

func (uc *IngestUseCase) markRevisionFailed(ctx context.Context, revisionID string, cause error) {
	if err := uc.repo.UpdateRevisionStatus(context.WithoutCancel(ctx), revisionID, domain.RevisionFailed, 0, cause.Error()); err != nil {
		slog.Error("mark_revision_failed", "revision_id", revisionID, "error", err)
	}
}

// publishIndexed announces the revision for matching. A lost event is recorded
// as a match_notify failure so an operator can replay it.
func (uc *IngestUseCase) publishIndexed(ctx context.Context, doc domain.Document, rev domain.IndexRevision) {
	if uc.events == nil {
		return
	}
	ev := domain.RevisionEvent{
		RevisionID: rev.ID,
		DocumentID: doc.ID,
		Source:     doc.Source,
		ExternalID: doc.ExternalID,
		Version:    doc.Version,
		IndexedAt:  uc.now().UTC(),
	}
	if err := uc.events.PublishRevisionIndexed(ctx, ev); err != nil {
		uc.ledger.record(ctx, domain.JobMatchNotify, rev.ID, revisionPayload{RevisionID: rev.ID},
			fmt.Errorf("publish revision event: %w", err))
	}
}

// IngestBatch ingests documents on a bounded pool. Each document gets its own
// result; one failure never affects its siblings.
func (uc *IngestUseCase) IngestBatch(ctx context.Context, reqs []domain.IngestRequest) []domain.IngestResult {
	results := make([]domain.IngestResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := uc.Ingest(gctx, req)
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
