// Package extractor picks a text extractor for an uploaded file by MIME type,
// falling back to the filename extension.
package extractor

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

const (
	MimePlain = "text/plain"
	MimePDF   = "application/pdf"
	MimeXLSX  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var extensionMime = map[string]string{
	".txt":      MimePlain,
	".md":       MimePlain,
	".markdown": MimePlain,
	".csv":      MimePlain,
	".pdf":      MimePDF,
	".xlsx":     MimeXLSX,
}

type Router struct {
	byMime map[string]ports.TextExtractor
}

func NewRouter(plain, pdf, xlsx ports.TextExtractor) *Router {
	return &Router{byMime: map[string]ports.TextExtractor{
		MimePlain: plain,
		MimePDF:   pdf,
		MimeXLSX:  xlsx,
	}}
}

func (r *Router) Extract(ctx context.Context, job domain.IngestJob) (string, error) {
	kind := DetectMime(job.Mime, job.Filename)
	ext, ok := r.byMime[kind]
	if !ok || ext == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract",
			fmt.Errorf("unsupported file type mime=%q name=%q", job.Mime, job.Filename))
	}
	return ext.Extract(ctx, job)
}

// DetectMime returns the canonical MIME type the router understands, or the
// parsed media type when nothing matches.
func DetectMime(contentType, filename string) string {
	media := ""
	if strings.TrimSpace(contentType) != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			media = strings.ToLower(parsed)
		}
	}
	switch {
	case strings.HasPrefix(media, "text/"):
		return MimePlain
	case media == MimePDF, media == MimeXLSX:
		return media
	}
	if byExt, ok := extensionMime[strings.ToLower(filepath.Ext(filename))]; ok {
		return byExt
	}
	return media
}
