package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type storageFake struct {
	savedKey  string
	savedBody string
	err       error
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.savedKey = key
	f.savedBody = string(raw)
	return nil
}

func (f *storageFake) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.savedBody)), nil
}

type queueFake struct {
	jobs []domain.IngestJob
	err  error
}

func (f *queueFake) PublishIngestJob(_ context.Context, job domain.IngestJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *queueFake) SubscribeIngestJobs(context.Context, func(context.Context, domain.IngestJob) error) error {
	return errors.New("not implemented")
}

type extractorFake struct {
	text string
	err  error
}

func (f *extractorFake) Extract(context.Context, domain.IngestJob) (string, error) {
	return f.text, f.err
}

func TestUploadStoresAndQueues(t *testing.T) {
	p := newPipeline()
	storage := &storageFake{}
	queue := &queueFake{}
	uc := NewUploadUseCase(storage, queue, &extractorFake{}, p.ingest, p.store.FailedJobs())
	uc.newID = func() string { return "job-1" }

	job, err := uc.Upload(context.Background(), domain.UploadRequest{
		Source:     " tenders ",
		ExternalID: "T-7",
		Filename:   "../../bid notice.pdf",
		Mime:       "application/pdf",
	}, strings.NewReader("%PDF-1.7"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if storage.savedKey != "job-1_bid_notice.pdf" || storage.savedBody != "%PDF-1.7" {
		t.Fatalf("unexpected stored object %q %q", storage.savedKey, storage.savedBody)
	}
	if job.Source != "tenders" || job.IdempotencyKey != "tenders/T-7" {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].StorageKey != storage.savedKey {
		t.Fatalf("expected one queued job, got %+v", queue.jobs)
	}
}

func TestUploadRequiresSource(t *testing.T) {
	p := newPipeline()
	storage := &storageFake{}
	uc := NewUploadUseCase(storage, &queueFake{}, &extractorFake{}, p.ingest, p.store.FailedJobs())

	_, err := uc.Upload(context.Background(), domain.UploadRequest{Filename: "a.txt"}, strings.NewReader("x"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if storage.savedKey != "" {
		t.Fatalf("nothing should be stored for an invalid request")
	}
}

func TestUploadPropagatesQueueError(t *testing.T) {
	p := newPipeline()
	uc := NewUploadUseCase(&storageFake{}, &queueFake{err: errors.New("queue down")}, &extractorFake{}, p.ingest, p.store.FailedJobs())

	if _, err := uc.Upload(context.Background(), domain.UploadRequest{Source: "X", Filename: "a.txt"}, strings.NewReader("x")); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestProcessJobIngestsExtractedText(t *testing.T) {
	p := newPipeline()
	uc := NewUploadUseCase(&storageFake{}, &queueFake{}, &extractorFake{text: threeArticles}, p.ingest, p.store.FailedJobs())

	res, err := uc.ProcessJob(context.Background(), domain.IngestJob{JobID: "job-1", Source: "X", ExternalID: "9", StorageKey: "job-1_a.txt"})
	if err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if res.Action != domain.IngestCreated || res.ChunkCount != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestProcessJobRecordsExtractionFailure(t *testing.T) {
	p := newPipeline()
	unsupported := domain.WrapError(domain.ErrInvalidInput, "extract text", errors.New("unsupported mime application/zip"))
	uc := NewUploadUseCase(&storageFake{}, &queueFake{}, &extractorFake{err: unsupported}, p.ingest, p.store.FailedJobs())

	job := domain.IngestJob{JobID: "job-1", IdempotencyKey: "X/9", Source: "X", ExternalID: "9", StorageKey: "job-1_a.bin"}
	if _, err := uc.ProcessJob(context.Background(), job); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	jobs := p.openFailedJobs(domain.JobIngestJob)
	if len(jobs) != 1 || jobs[0].IdempotencyKey != "X/9" {
		t.Fatalf("expected ingest_job ledger row, got %+v", jobs)
	}
	if len(p.openFailedJobs(domain.JobIngest)) != 0 {
		t.Fatalf("extraction failures must not be recorded as ingest failures")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report 2024.pdf":     "report_2024.pdf",
		"../../etc/passwd":    "passwd",
		".hidden":             "hidden",
		"смета.xlsx":          "_____.xlsx",
		"":                    "document.bin",
		"tender#1(final).txt": "tender_1_final_.txt",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
