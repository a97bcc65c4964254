package plaintext

import (
	"context"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, job domain.IngestJob) (string, error) {
	reader, err := e.storage.Open(ctx, job.StorageKey)
	if err != nil {
		return "", fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read source document: %w", err)
	}

	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract plaintext",
			fmt.Errorf("file %s is not valid utf-8", job.Filename))
	}
	// Normalization happens downstream; keep the text as extracted.
	return string(raw), nil
}
