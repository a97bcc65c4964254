package domain

import (
	"encoding/json"
	"time"
)

type FailedJobStatus string

const (
	FailedJobOpen     FailedJobStatus = "open"
	FailedJobResolved FailedJobStatus = "resolved"
)

const (
	JobIngest      = "ingest"
	JobIngestJob   = "ingest_job"
	JobReindex     = "reindex"
	JobMatchNotify = "match_notify"
)

// FailedJob is an append-only ledger row. Only Status/ResolvedAt change, once.
type FailedJob struct {
	ID             string          `json:"id"`
	JobName        string          `json:"job_name"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         FailedJobStatus `json:"status"`
	ErrorMessage   string          `json:"error_message"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	FailedAt       time.Time       `json:"failed_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// IngestJob is the queued message for an uploaded file awaiting extraction.
type IngestJob struct {
	JobID          string           `json:"job_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Source         string           `json:"source"`
	ExternalID     string           `json:"external_id,omitempty"`
	Title          string           `json:"title,omitempty"`
	Filename       string           `json:"filename"`
	StorageKey     string           `json:"storage_key"`
	Mime           string           `json:"mime"`
	Language       string           `json:"language,omitempty"`
	Metadata       DocumentMetadata `json:"metadata"`
}

// RevisionEvent announces that a revision finished indexing successfully.
type RevisionEvent struct {
	RevisionID string    `json:"revision_id"`
	DocumentID string    `json:"document_id"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	Version    int       `json:"version"`
	IndexedAt  time.Time `json:"indexed_at"`
}

type ReindexReport struct {
	Revisions int `json:"revisions"`
	Chunks    int `json:"chunks"`
	Failed    int `json:"failed"`
}

type MatchReport struct {
	RevisionID string        `json:"revision_id"`
	Evaluated  int           `json:"evaluated"`
	Matched    int           `json:"matched"`
	Errors     int           `json:"errors"`
	Results    []MatchResult `json:"results"`
}
