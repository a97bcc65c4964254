package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

type recordingIndex struct {
	ports.ChunkIndex
	query domain.SearchQuery
}

func (r *recordingIndex) Search(ctx context.Context, q domain.SearchQuery) ([]domain.ScoredChunk, error) {
	r.query = q
	return r.ChunkIndex.Search(ctx, q)
}

type analyzerFake struct {
	prompt string
	out    string
	err    error
}

func (f *analyzerFake) GenerateJSONFromPrompt(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.out, f.err
}

func TestSearchAppliesDefaults(t *testing.T) {
	p := newPipeline()
	index := &recordingIndex{ChunkIndex: p.store.Chunks()}
	uc := NewSearchUseCase(p.embedder, index, nil, SearchDefaults{TopK: 7, Threshold: 0.2})

	if _, err := uc.Search(context.Background(), domain.SearchRequest{Query: "payment terms"}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if index.query.TopK != 7 || index.query.Threshold != 0.2 || index.query.ThresholdMode != domain.ThresholdOnBoosted {
		t.Fatalf("defaults not applied: %+v", index.query)
	}

	zero := 0.0
	if _, err := uc.Search(context.Background(), domain.SearchRequest{
		Query:         "payment terms",
		TopK:          2,
		Threshold:     &zero,
		ThresholdMode: domain.ThresholdOnRaw,
	}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if index.query.TopK != 2 || index.query.Threshold != 0 || index.query.ThresholdMode != domain.ThresholdOnRaw {
		t.Fatalf("request values must override defaults: %+v", index.query)
	}
}

func TestSearchRejectsBlankQuery(t *testing.T) {
	p := newPipeline()
	uc := NewSearchUseCase(p.embedder, p.store.Chunks(), nil, SearchDefaults{})
	if _, err := uc.Search(context.Background(), domain.SearchRequest{Query: "  "}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSearchBoostRaisesArticleRank(t *testing.T) {
	ctx := context.Background()
	p := newPipeline()
	if _, err := p.ingest.Ingest(ctx, domain.IngestRequest{Source: "X", ExternalID: "1", RawText: threeArticles}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	uc := NewSearchUseCase(p.embedder, p.store.Chunks(), nil, SearchDefaults{TopK: 10})

	rankOf := func(results []domain.ScoredChunk, article string) int {
		for i, r := range results {
			if r.Chunk.ArticleNumber == article {
				return i
			}
		}
		return -1
	}

	plain, err := uc.Search(ctx, domain.SearchRequest{Query: "contract term"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	boosted, err := uc.Search(ctx, domain.SearchRequest{
		Query: "contract term",
		Boost: &domain.Boost{ArticleNumber: "3", Factor: 3},
	})
	if err != nil {
		t.Fatalf("boosted Search() error = %v", err)
	}
	before, after := rankOf(plain, "3"), rankOf(boosted, "3")
	if before <= 0 || after >= before {
		t.Fatalf("expected article 3 to move up: before=%d after=%d", before, after)
	}
	if !boosted[after].Boosted || boosted[after].Score <= boosted[after].RawScore {
		t.Fatalf("unexpected boosted row %+v", boosted[after])
	}

	again, _ := uc.Search(ctx, domain.SearchRequest{
		Query: "contract term",
		Boost: &domain.Boost{ArticleNumber: "3", Factor: 3},
	})
	for i := range again {
		if again[i].Chunk.ID != boosted[i].Chunk.ID {
			t.Fatalf("search order is not deterministic at %d", i)
		}
	}
}

func TestAnalyzeReturnsGroundedJSON(t *testing.T) {
	ctx := context.Background()
	p := newPipeline()
	if _, err := p.ingest.Ingest(ctx, domain.IngestRequest{Source: "X", ExternalID: "1", RawText: threeArticles}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	analyzer := &analyzerFake{out: `{"answer":"30 days","evidence":[],"confident":true}`}
	uc := NewSearchUseCase(p.embedder, p.store.Chunks(), analyzer, SearchDefaults{TopK: 3})

	got, err := uc.Analyze(ctx, domain.AnalysisRequest{Question: "When is payment due?"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if string(got.Result) != analyzer.out || len(got.Sources) == 0 {
		t.Fatalf("unexpected analysis %+v", got)
	}
	if !strings.Contains(analyzer.prompt, "When is payment due?") || !strings.Contains(analyzer.prompt, "article=3") {
		t.Fatalf("prompt is missing question or context:\n%s", analyzer.prompt)
	}
}

func TestAnalyzeRejectsInvalidModelOutput(t *testing.T) {
	p := newPipeline()
	uc := NewSearchUseCase(p.embedder, p.store.Chunks(), &analyzerFake{out: "not json"}, SearchDefaults{})
	if _, err := uc.Analyze(context.Background(), domain.AnalysisRequest{Question: "q"}); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}

	uc = NewSearchUseCase(p.embedder, p.store.Chunks(), &analyzerFake{err: errors.New("model offline")}, SearchDefaults{})
	if _, err := uc.Analyze(context.Background(), domain.AnalysisRequest{Question: "q"}); err == nil {
		t.Fatalf("expected analyzer error")
	}
}

func TestDocumentQueryListsLatestRevisionChunks(t *testing.T) {
	ctx := context.Background()
	p := newPipeline()
	v1, _ := p.ingest.Ingest(ctx, domain.IngestRequest{Source: "X", ExternalID: "1", RawText: twoArticles})
	v2, _ := p.ingest.Ingest(ctx, domain.IngestRequest{Source: "X", ExternalID: "1", RawText: threeArticles})
	uc := NewDocumentQueryUseCase(p.store.Documents(), p.store.Chunks())

	chunks, err := uc.ListChunks(ctx, v2.DocumentID)
	if err != nil || len(chunks) != 3 {
		t.Fatalf("ListChunks(v2) = %d, %v", len(chunks), err)
	}
	chunks, err = uc.ListChunks(ctx, v1.DocumentID)
	if err != nil || len(chunks) != 2 {
		t.Fatalf("ListChunks(v1) = %d, %v", len(chunks), err)
	}
	if _, err := uc.ListChunks(ctx, "missing"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := uc.ListVersions(ctx, "X", ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
