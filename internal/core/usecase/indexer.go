package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

// revisionIndexer turns the normalized body of a revision into its chunk set:
// chunk, embed, then replace every chunk of the revision in one write.
type revisionIndexer struct {
	chunker  ports.Chunker
	embedder ports.Embedder
	index    ports.ChunkIndex
	newID    func() string
}

func (ix *revisionIndexer) indexRevision(ctx context.Context, doc domain.Document, rev domain.IndexRevision, text string) (int, error) {
	drafts := ix.chunker.Chunk(text)
	if len(drafts) == 0 {
		// Empty body: clear whatever an earlier run left behind.
		if _, err := ix.index.ReplaceChunks(ctx, rev, nil); err != nil {
			return 0, fmt.Errorf("clear chunks: %w", err)
		}
		return 0, nil
	}

	vectors, err := ix.embed(ctx, drafts)
	if err != nil {
		return 0, err
	}

	chunks := domain.BuildChunks(doc, rev, drafts, vectors, ix.newID)
	n, err := ix.index.ReplaceChunks(ctx, rev, chunks)
	if err != nil {
		return 0, fmt.Errorf("replace chunks: %w", err)
	}
	return n, nil
}

func (ix *revisionIndexer) embed(ctx context.Context, drafts []domain.ChunkDraft) ([][]float32, error) {
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Content
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(drafts) {
		return nil, domain.WrapError(
			domain.ErrTemporary,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(drafts)),
		)
	}
	return vectors, nil
}
