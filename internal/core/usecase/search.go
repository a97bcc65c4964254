package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

type SearchDefaults struct {
	TopK          int
	Threshold     float64
	ThresholdMode domain.ThresholdMode
}

type SearchUseCase struct {
	embedder ports.Embedder
	index    ports.ChunkIndex
	analyzer ports.Analyzer
	defaults SearchDefaults
}

func NewSearchUseCase(
	embedder ports.Embedder,
	index ports.ChunkIndex,
	analyzer ports.Analyzer,
	defaults SearchDefaults,
) *SearchUseCase {
	if defaults.TopK <= 0 {
		defaults.TopK = 5
	}
	if defaults.ThresholdMode == "" {
		defaults.ThresholdMode = domain.ThresholdOnBoosted
	}
	return &SearchUseCase{
		embedder: embedder,
		index:    index,
		analyzer: analyzer,
		defaults: defaults,
	}
}

func (uc *SearchUseCase) Search(ctx context.Context, req domain.SearchRequest) ([]domain.ScoredChunk, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search", errors.New("query is required"))
	}

	q := domain.SearchQuery{
		TopK:          req.TopK,
		Threshold:     uc.defaults.Threshold,
		Filter:        req.Filter,
		Boost:         req.Boost,
		ThresholdMode: req.ThresholdMode,
	}
	if q.TopK <= 0 {
		q.TopK = uc.defaults.TopK
	}
	if req.Threshold != nil {
		q.Threshold = *req.Threshold
	}
	if q.ThresholdMode == "" {
		q.ThresholdMode = uc.defaults.ThresholdMode
	}

	vector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q.Embedding = vector

	results, err := uc.index.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return results, nil
}

// Analyze retrieves supporting chunks and asks the generation model for a JSON
// answer grounded on them.
func (uc *SearchUseCase) Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.Analysis, error) {
	if uc.analyzer == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "analyze", errors.New("analysis is not configured"))
	}
	sources, err := uc.Search(ctx, domain.SearchRequest{
		Query:  req.Question,
		TopK:   req.TopK,
		Filter: req.Filter,
		Boost:  req.Boost,
	})
	if err != nil {
		return nil, err
	}

	raw, err := uc.analyzer.GenerateJSONFromPrompt(ctx, buildAnalysisPrompt(req.Question, sources))
	if err != nil {
		return nil, fmt.Errorf("generate analysis: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, domain.WrapError(domain.ErrTemporary, "generate analysis", errors.New("model returned invalid json"))
	}
	return &domain.Analysis{Result: json.RawMessage(raw), Sources: sources}, nil
}

func buildAnalysisPrompt(question string, chunks []domain.ScoredChunk) string {
	var contextBuilder strings.Builder
	for idx, sc := range chunks {
		label := string(sc.Chunk.Type)
		if sc.Chunk.ArticleNumber != "" {
			label += " article=" + sc.Chunk.ArticleNumber
		}
		fmt.Fprintf(&contextBuilder,
			"[%d] chunk_id=%s document_id=%s %s score=%.3f\n%s\n\n",
			idx+1, sc.Chunk.ID, sc.Chunk.DocumentID, label, sc.Score, sc.Chunk.Content,
		)
	}

	return fmt.Sprintf(`Answer the question only from the context below.
Return a strict JSON object with keys:
answer (string), evidence (array of chunk_id strings), confident (boolean).
If the context is insufficient, set confident to false and say so in answer.

Question:
%s

Context:
%s
`, strings.TrimSpace(question), contextBuilder.String())
}

// DocumentQueryUseCase is the read side for documents and their chunks.
type DocumentQueryUseCase struct {
	repo  ports.DocumentRepository
	index ports.ChunkIndex
}

func NewDocumentQueryUseCase(repo ports.DocumentRepository, index ports.ChunkIndex) *DocumentQueryUseCase {
	return &DocumentQueryUseCase{repo: repo, index: index}
}

func (uc *DocumentQueryUseCase) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	return uc.repo.GetByID(ctx, id)
}

// ListChunks returns the chunks of the document's latest revision.
func (uc *DocumentQueryUseCase) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	if _, err := uc.repo.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	rev, err := uc.repo.LatestRevision(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return uc.index.ListChunks(ctx, rev.ID)
}

func (uc *DocumentQueryUseCase) ListVersions(ctx context.Context, source, externalID string) ([]domain.Document, error) {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(externalID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list versions", errors.New("source and external_id are required"))
	}
	return uc.repo.ListVersions(ctx, source, externalID)
}
