package domain

import "time"

type DocumentStatus string

const (
	DocumentActive     DocumentStatus = "active"
	DocumentSuperseded DocumentStatus = "superseded"
)

// DocumentMetadata is the structured metadata attached at ingestion time.
// Budget bounds are optional; a single-value budget sets both bounds.
type DocumentMetadata struct {
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	BudgetMin   *float64          `json:"budget_min,omitempty" yaml:"budget_min,omitempty"`
	BudgetMax   *float64          `json:"budget_max,omitempty" yaml:"budget_max,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty" yaml:"published_at,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	Extra       map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

type Document struct {
	ID          string           `json:"id"`
	Source      string           `json:"source"`
	ExternalID  string           `json:"external_id"`
	Title       string           `json:"title,omitempty"`
	ContentHash string           `json:"content_hash"`
	Version     int              `json:"version"`
	Status      DocumentStatus   `json:"status"`
	Metadata    DocumentMetadata `json:"metadata"`
	Empty       bool             `json:"is_empty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DocumentBody holds the normalized full text of exactly one Document.
type DocumentBody struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Mime       string `json:"mime"`
	Language   string `json:"language"`
}

type RevisionStatus string

const (
	RevisionPending RevisionStatus = "pending"
	RevisionSuccess RevisionStatus = "success"
	RevisionFailed  RevisionStatus = "failed"
)

// IndexRevision is the indexed snapshot of one document version.
type IndexRevision struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id"`
	RevisionHash string         `json:"revision_hash"`
	Status       RevisionStatus `json:"status"`
	ChunkCount   int            `json:"chunk_count"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type NormalizedContent struct {
	Text string
	Hash string
}

type IngestAction string

const (
	IngestCreated    IngestAction = "created"
	IngestNewVersion IngestAction = "new_version"
	IngestUnchanged  IngestAction = "unchanged"
)

type IngestRequest struct {
	Source     string           `json:"source"`
	ExternalID string           `json:"external_id,omitempty"`
	Title      string           `json:"title,omitempty"`
	RawText    string           `json:"raw_text"`
	Mime       string           `json:"mime,omitempty"`
	Language   string           `json:"language,omitempty"`
	Metadata   DocumentMetadata `json:"metadata"`
}

// IngestResult is returned per document; Error is set when the document failed
// and the caller ingested it as part of a batch.
type IngestResult struct {
	Source     string       `json:"source"`
	ExternalID string       `json:"external_id"`
	DocumentID string       `json:"document_id,omitempty"`
	RevisionID string       `json:"revision_id,omitempty"`
	Version    int          `json:"version,omitempty"`
	Action     IngestAction `json:"action,omitempty"`
	ChunkCount int          `json:"chunk_count"`
	Indexed    bool         `json:"indexed"`
	Error      string       `json:"error,omitempty"`
}

// VersionInput is what the versioner needs to decide created/new_version/unchanged.
type VersionInput struct {
	Source      string
	ExternalID  string
	Title       string
	ContentHash string
	Text        string
	Mime        string
	Language    string
	Metadata    DocumentMetadata
	Empty       bool
	Now         time.Time
}

type VersionDecision struct {
	Action   IngestAction
	Document Document
	Revision IndexRevision
	// Superseded is the prior active version when Action is new_version.
	Superseded *Document
}

type RevisionScope struct {
	Source string
}

// RevisionRef joins a revision with its document for reindexing.
type RevisionRef struct {
	Revision IndexRevision
	Document Document
}

// UploadRequest describes a raw file submitted for asynchronous ingestion.
type UploadRequest struct {
	Source     string
	ExternalID string
	Title      string
	Filename   string
	Mime       string
	Language   string
	Metadata   DocumentMetadata
}
