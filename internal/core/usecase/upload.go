package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

// UploadUseCase stores raw files and queues them; ProcessJob is the worker
// side that extracts text and hands it to the ingest pipeline.
type UploadUseCase struct {
	storage   ports.ObjectStorage
	queue     ports.IngestQueue
	extractor ports.TextExtractor
	ingestor  ports.DocumentIngestor
	ledger    *failureLedger
	newID     func() string
}

func NewUploadUseCase(
	storage ports.ObjectStorage,
	queue ports.IngestQueue,
	extractor ports.TextExtractor,
	ingestor ports.DocumentIngestor,
	failedJobs ports.FailedJobRepository,
) *UploadUseCase {
	return &UploadUseCase{
		storage:   storage,
		queue:     queue,
		extractor: extractor,
		ingestor:  ingestor,
		ledger:    newFailureLedger(failedJobs, uuid.NewString),
		newID:     uuid.NewString,
	}
}

func (uc *UploadUseCase) Upload(ctx context.Context, req domain.UploadRequest, body io.Reader) (*domain.IngestJob, error) {
	req.Source = strings.TrimSpace(req.Source)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.Source == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("source is required"))
	}

	id := uc.newID()
	storageKey := fmt.Sprintf("%s_%s", id, sanitizeFilename(req.Filename))
	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	idempotencyKey := id
	if req.ExternalID != "" {
		idempotencyKey = req.Source + "/" + req.ExternalID
	}
	job := &domain.IngestJob{
		JobID:          id,
		IdempotencyKey: idempotencyKey,
		Source:         req.Source,
		ExternalID:     req.ExternalID,
		Title:          req.Title,
		Filename:       req.Filename,
		StorageKey:     storageKey,
		Mime:           req.Mime,
		Language:       req.Language,
		Metadata:       req.Metadata,
	}

	if err := uc.queue.PublishIngestJob(ctx, *job); err != nil {
		return nil, fmt.Errorf("publish ingest job: %w", err)
	}
	return job, nil
}

// ProcessJob extracts the stored file and ingests it. Extraction failures go
// to the ledger here; ingest failures are recorded by the ingestor.
func (uc *UploadUseCase) ProcessJob(ctx context.Context, job domain.IngestJob) (domain.IngestResult, error) {
	start := time.Now()
	text, err := uc.extractor.Extract(ctx, job)
	if err != nil {
		err = fmt.Errorf("extract text: %w", err)
		uc.ledger.record(ctx, domain.JobIngestJob, job.IdempotencyKey, job, err)
		slog.Error("ingest_job_failed",
			"job_name", domain.JobIngestJob,
			"job_id", job.JobID,
			"status", "failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return domain.IngestResult{Source: job.Source, ExternalID: job.ExternalID}, err
	}

	return uc.ingestor.Ingest(ctx, domain.IngestRequest{
		Source:     job.Source,
		ExternalID: job.ExternalID,
		Title:      job.Title,
		RawText:    text,
		Mime:       job.Mime,
		Language:   job.Language,
		Metadata:   job.Metadata,
	})
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	base = strings.TrimLeft(base, ".")
	if base == "" {
		return "document.bin"
	}
	return base
}
