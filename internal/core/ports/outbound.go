package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

// DocumentRepository persists document versions, bodies and index revisions.
type DocumentRepository interface {
	// ResolveVersion atomically decides created/new_version/unchanged for
	// (source, external_id) and persists the outcome.
	ResolveVersion(ctx context.Context, in domain.VersionInput) (domain.VersionDecision, error)
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	GetBody(ctx context.Context, documentID string) (*domain.DocumentBody, error)
	GetRevision(ctx context.Context, id string) (*domain.IndexRevision, error)
	LatestRevision(ctx context.Context, documentID string) (*domain.IndexRevision, error)
	UpdateRevisionStatus(ctx context.Context, id string, status domain.RevisionStatus, chunkCount int, errMessage string) error
	ListRevisions(ctx context.Context, scope domain.RevisionScope) ([]domain.RevisionRef, error)
	ListVersions(ctx context.Context, source, externalID string) ([]domain.Document, error)
}

// ChunkIndex stores chunk embeddings and performs similarity search.
type ChunkIndex interface {
	// ReplaceChunks returns the chunk count stored for the revision afterwards.
	ReplaceChunks(ctx context.Context, revision domain.IndexRevision, chunks []domain.Chunk) (int, error)
	Search(ctx context.Context, q domain.SearchQuery) ([]domain.ScoredChunk, error)
	ListChunks(ctx context.Context, revisionID string) ([]domain.Chunk, error)
}

type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	ListActive(ctx context.Context) ([]domain.Subscription, error)
}

type MatchRepository interface {
	UpsertMatch(ctx context.Context, result domain.MatchResult) error
	ListByRevision(ctx context.Context, revisionID string) ([]domain.MatchResult, error)
}

// DeliveryRepository persists delivery logs. Status changes are conditional on
// the prior status and only ever append to the status history.
type DeliveryRepository interface {
	// CreatePending inserts the log unless its event key exists; it reports
	// whether a row was created.
	CreatePending(ctx context.Context, d domain.DeliveryLog) (bool, error)
	// ClaimDue locks due rows, moves them to attempted and returns them.
	// An empty revisionID claims across all revisions.
	ClaimDue(ctx context.Context, revisionID string, now time.Time, limit int) ([]domain.DeliveryLog, error)
	SaveTransition(ctx context.Context, d domain.DeliveryLog, from domain.DeliveryStatus, t domain.StatusTransition) error
	ListStaleAttempted(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryLog, error)
	ListByRevision(ctx context.Context, revisionID string) ([]domain.DeliveryLog, error)
}

type FailedJobRepository interface {
	Record(ctx context.Context, job domain.FailedJob) error
	GetByID(ctx context.Context, id string) (*domain.FailedJob, error)
	List(ctx context.Context, status domain.FailedJobStatus, limit int) ([]domain.FailedJob, error)
	// Resolve moves an open job to resolved; any other state is rejected.
	Resolve(ctx context.Context, id string, at time.Time) error
}

// Normalizer canonicalizes extracted text and hashes it.
type Normalizer interface {
	Normalize(raw string) domain.NormalizedContent
}

// Chunker splits normalized text into ordered chunk drafts.
type Chunker interface {
	Chunk(text string) []domain.ChunkDraft
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Analyzer generates a JSON answer grounded on retrieved chunks.
type Analyzer interface {
	GenerateJSONFromPrompt(ctx context.Context, prompt string) (string, error)
}

// ObjectStorage stores uploaded source files.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TextExtractor turns an uploaded file into raw text.
type TextExtractor interface {
	Extract(ctx context.Context, job domain.IngestJob) (string, error)
}

// IngestQueue publishes/consumes upload jobs.
type IngestQueue interface {
	PublishIngestJob(ctx context.Context, job domain.IngestJob) error
	SubscribeIngestJobs(ctx context.Context, handler func(context.Context, domain.IngestJob) error) error
}

// RevisionEvents publishes/consumes revision-indexed events.
type RevisionEvents interface {
	PublishRevisionIndexed(ctx context.Context, ev domain.RevisionEvent) error
	SubscribeRevisionIndexed(ctx context.Context, handler func(context.Context, domain.RevisionEvent) error) error
}

// Notifier delivers a notification over one channel. Rejections that must not
// be retried are wrapped with domain.ErrPermanent.
type Notifier interface {
	Channel() domain.DeliveryChannel
	Send(ctx context.Context, target string, n domain.Notification) error
}
