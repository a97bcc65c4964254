package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

const maxPDFBytes = 64 << 20

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

	data, err := io.ReadAll(io.LimitReader(reader, maxPDFBytes+1))
	if err != nil {
		return "", fmt.Errorf("read source document: %w", err)
	}
	if len(data) > maxPDFBytes {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("file %s exceeds %d bytes", job.Filename, maxPDFBytes))
	}
	return ExtractBytes(data)
}

// ExtractBytes returns the plain text layer of a PDF, page by page.
func ExtractBytes(data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("missing %%PDF header"))
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("pdf reader: %w", err))
	}

	var out bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("pdf page %d: %w", i, err)
		}
		// Page markers are stripped by the normalizer.
		fmt.Fprintf(&out, "[[page %d]]\n%s\n\n", i, text)
	}
	return out.String(), nil
}
