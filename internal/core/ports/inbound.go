package ports

import (
	"context"
	"io"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

// DocumentIngestor is the inbound contract for synchronous ingestion.
type DocumentIngestor interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error)
	IngestBatch(ctx context.Context, reqs []domain.IngestRequest) []domain.IngestResult
}

// DocumentUploader is the inbound contract for asynchronous file upload.
type DocumentUploader interface {
	Upload(ctx context.Context, req domain.UploadRequest, body io.Reader) (*domain.IngestJob, error)
}

// IngestJobProcessor handles queued upload jobs.
type IngestJobProcessor interface {
	ProcessJob(ctx context.Context, job domain.IngestJob) (domain.IngestResult, error)
}

// DocumentReader is the inbound read model for documents and their chunks.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
	ListVersions(ctx context.Context, source, externalID string) ([]domain.Document, error)
}

type SearchService interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.ScoredChunk, error)
	Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.Analysis, error)
}

type Reindexer interface {
	Reindex(ctx context.Context, scope domain.RevisionScope) (domain.ReindexReport, error)
}

type MatchNotifier interface {
	RunMatchNotify(ctx context.Context, revisionID string) (domain.NotifyReport, error)
}

type DeliveryService interface {
	DispatchDue(ctx context.Context) (domain.DispatchReport, error)
	RecoverStale(ctx context.Context) (domain.DispatchReport, error)
	ListDeliveries(ctx context.Context, revisionID string) ([]domain.DeliveryLog, error)
}

type FailedJobService interface {
	List(ctx context.Context, status domain.FailedJobStatus, limit int) ([]domain.FailedJob, error)
	Replay(ctx context.Context, id string) (*domain.FailedJob, error)
}
