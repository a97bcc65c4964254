package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

type ReindexUseCase struct {
	repo        ports.DocumentRepository
	indexer     *revisionIndexer
	ledger      *failureLedger
	concurrency int
}

func NewReindexUseCase(
	repo ports.DocumentRepository,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.ChunkIndex,
	failedJobs ports.FailedJobRepository,
	concurrency int,
) *ReindexUseCase {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &ReindexUseCase{
		repo: repo,
		indexer: &revisionIndexer{
			chunker:  chunker,
			embedder: embedder,
			index:    index,
			newID:    uuid.NewString,
		},
		ledger:      newFailureLedger(failedJobs, uuid.NewString),
		concurrency: concurrency,
	}
}

// Reindex rebuilds the chunk set of every successful revision in scope,
// active and superseded alike. Per-revision failures are recorded and skipped.
func (uc *ReindexUseCase) Reindex(ctx context.Context, scope domain.RevisionScope) (domain.ReindexReport, error) {
	start := time.Now()
	refs, err := uc.repo.ListRevisions(ctx, scope)
	if err != nil {
		return domain.ReindexReport{}, fmt.Errorf("list revisions: %w", err)
	}

	var (
		mu     sync.Mutex
		report = domain.ReindexReport{Revisions: len(refs)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			n, err := uc.reindexRef(gctx, ref)
			if err != nil {
				uc.ledger.record(gctx, domain.JobReindex, ref.Revision.ID, revisionPayload{RevisionID: ref.Revision.ID}, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				return nil
			}
			report.Chunks += n
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	slog.Info("reindex_completed",
		"job_name", domain.JobReindex,
		"source", scope.Source,
		"revisions", report.Revisions,
		"chunks", report.Chunks,
		"failed", report.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

// ReindexRevision rebuilds one revision; it backs ledger replay.
func (uc *ReindexUseCase) ReindexRevision(ctx context.Context, revisionID string) (int, error) {
	rev, err := uc.repo.GetRevision(ctx, revisionID)
	if err != nil {
		return 0, err
	}
	doc, err := uc.repo.GetByID(ctx, rev.DocumentID)
	if err != nil {
		return 0, err
	}
	return uc.reindexRef(ctx, domain.RevisionRef{Revision: *rev, Document: *doc})
}

func (uc *ReindexUseCase) reindexRef(ctx context.Context, ref domain.RevisionRef) (int, error) {
	start := time.Now()
	body, err := uc.repo.GetBody(ctx, ref.Document.ID)
	if err != nil {
		return 0, fmt.Errorf("load body: %w", err)
	}
	n, err := uc.indexer.indexRevision(ctx, ref.Document, ref.Revision, body.Text)
	if err != nil {
		slog.Error("reindex_revision_failed",
			"job_name", domain.JobReindex,
			"document_id", ref.Document.ID,
			"revision_id", ref.Revision.ID,
			"status", "failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return 0, err
	}
	if err := uc.repo.UpdateRevisionStatus(ctx, ref.Revision.ID, domain.RevisionSuccess, n, ""); err != nil {
		return 0, fmt.Errorf("update revision: %w", err)
	}
	slog.Debug("reindex_revision_completed",
		"job_name", domain.JobReindex,
		"document_id", ref.Document.ID,
		"revision_id", ref.Revision.ID,
		"chunks", n,
		"status", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}
