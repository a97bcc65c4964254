package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

// conflictingRepo fails ResolveVersion with ErrConflict a fixed number of times.
type conflictingRepo struct {
	ports.DocumentRepository
	conflicts int
	calls     int
}

func (r *conflictingRepo) ResolveVersion(ctx context.Context, in domain.VersionInput) (domain.VersionDecision, error) {
	r.calls++
	if r.calls <= r.conflicts {
		return domain.VersionDecision{}, domain.WrapError(domain.ErrConflict, "resolve version", errors.New("unique violation"))
	}
	return r.DocumentRepository.ResolveVersion(ctx, in)
}

func TestIngestRetriesVersionConflict(t *testing.T) {
	p := newPipeline()
	repo := &conflictingRepo{DocumentRepository: p.store.Documents(), conflicts: 2}
	p.ingest.repo = repo

	res, err := p.ingest.Ingest(context.Background(), domain.IngestRequest{Source: "X", ExternalID: "1", RawText: twoArticles})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if repo.calls != 3 || res.Action != domain.IngestCreated {
		t.Fatalf("expected success on third attempt, calls=%d result=%+v", repo.calls, res)
	}
}

func TestIngestGivesUpAfterRepeatedConflicts(t *testing.T) {
	p := newPipeline()
	p.ingest.repo = &conflictingRepo{DocumentRepository: p.store.Documents(), conflicts: maxResolveAttempts}

	_, err := p.ingest.Ingest(context.Background(), domain.IngestRequest{Source: "X", ExternalID: "1", RawText: twoArticles})
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if jobs := p.openFailedJobs(domain.JobIngest); len(jobs) != 1 || jobs[0].IdempotencyKey != "X/1" {
		t.Fatalf("expected ingest ledger row, got %+v", jobs)
	}
}

func TestIngestRejectsMissingSourceWithoutLedger(t *testing.T) {
	p := newPipeline()
	_, err := p.ingest.Ingest(context.Background(), domain.IngestRequest{RawText: "text"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if jobs := p.openFailedJobs(domain.JobIngest); len(jobs) != 0 {
		t.Fatalf("validation failures must not reach the ledger, got %+v", jobs)
	}
}

func TestIngestDerivesExternalIDFromContent(t *testing.T) {
	p := newPipeline()
	res, err := p.ingest.Ingest(context.Background(), domain.IngestRequest{Source: "X", RawText: twoArticles})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.ExternalID != p.ingest.normalizer.Normalize(twoArticles).Hash {
		t.Fatalf("expected content hash as external id, got %q", res.ExternalID)
	}
}

func TestIngestEmptyDocumentIndexesZeroChunks(t *testing.T) {
	p := newPipeline()
	res, err := p.ingest.Ingest(context.Background(), domain.IngestRequest{Source: "X", ExternalID: "blank", RawText: " \n\t\n"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.ChunkCount != 0 || !res.Indexed {
		t.Fatalf("unexpected result %+v", res)
	}
	doc, err := p.store.Documents().GetByID(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !doc.Empty {
		t.Fatalf("expected document flagged empty")
	}
	if p.embedder.calls != 0 {
		t.Fatalf("empty documents must not be embedded")
	}
}

func TestIngestEmbeddingFailureMarksRevisionAndRecordsLedger(t *testing.T) {
	ctx := context.Background()
	p := newPipeline()
	p.embedder.fail(domain.WrapError(domain.ErrTemporary, "embed", errors.New("ollama down")))

	res, err := p.ingest.Ingest(ctx, domain.IngestRequest{Source: "X", ExternalID: "1", RawText: twoArticles})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	rev, err := p.store.Documents().GetRevision(ctx, res.RevisionID)
	if err != nil {
		t.Fatalf("GetRevision() error = %v", err)
	}
	if rev.Status != domain.RevisionFailed || rev.Error == "" {
		t.Fatalf("expected failed revision, got %+v", rev)
	}
	if len(p.events.published) != 0 {
		t.Fatalf("failed revisions must not be announced")
	}
	if jobs := p.openFailedJobs(domain.JobIngest); len(jobs) != 1 {
		t.Fatalf("expected one ingest ledger row, got %d", len(jobs))
	}

	// Same content again: the failed revision is retried, not treated as unchanged.
	p.embedder.fail(nil)
	retry, err := p.ingest.Ingest(ctx, domain.IngestRequest{Source: "X", ExternalID: "1", RawText: twoArticles})
	if err != nil {
		t.Fatalf("retry Ingest() error = %v", err)
	}
	if retry.RevisionID != res.RevisionID || !retry.Indexed || retry.ChunkCount != 2 {
		t.Fatalf("unexpected retry result %+v", retry)
	}
}

func TestIngestPublishFailureRecordsMatchNotifyJob(t *testing.T) {
	p := newPipeline()
	p.events.err = errors.New("nats: no responders")

	res, err := p.ingest.Ingest(context.Background(), domain.IngestRequest{Source: "X", ExternalID: "1", RawText: twoArticles})
	if err != nil {
		t.Fatalf("Ingest() must succeed when only the event is lost, got %v", err)
	}
	jobs := p.openFailedJobs(domain.JobMatchNotify)
	if len(jobs) != 1 || jobs[0].IdempotencyKey != res.RevisionID {
		t.Fatalf("expected match_notify ledger row, got %+v", jobs)
	}
}

func TestIngestBatchIsolatesFailures(t *testing.T) {
	p := newPipeline()
	results := p.ingest.IngestBatch(context.Background(), []domain.IngestRequest{
		{Source: "X", ExternalID: "1", RawText: twoArticles},
		{Source: "", ExternalID: "2", RawText: twoArticles},
		{Source: "X", ExternalID: "3", RawText: threeArticles},
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error != "" || results[0].ChunkCount != 2 {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Error == "" || results[1].ExternalID != "2" {
		t.Fatalf("expected second result to carry its error, got %+v", results[1])
	}
	if results[2].Error != "" || results[2].ChunkCount != 3 {
		t.Fatalf("unexpected third result %+v", results[2])
	}
}
