package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

// ChunkRepository stores chunk embeddings in a pgvector column next to the
// relational state and answers cosine similarity queries.
type ChunkRepository struct {
	db        *sql.DB
	dimension int
}

func NewChunkRepository(db *sql.DB, dimension int) *ChunkRepository {
	return &ChunkRepository{db: db, dimension: dimension}
}

const chunkColumns = `c.id, c.document_id, c.revision_id, c.chunk_index, c.article_number, c.paragraph_index,
	c.chunk_type, c.content, c.chunk_hash, c.metadata, c.is_boilerplate`

// ReplaceChunks swaps the chunk set of one revision in a single transaction.
// Rows colliding on (revision_id, chunk_hash) or (document_id, chunk_index)
// are skipped, so replaying the same set is a no-op. It returns the number of rows the revision holds.
func (r *ChunkRepository) ReplaceChunks(ctx context.Context, revision domain.IndexRevision, chunks []domain.Chunk) (int, error) {
	for _, c := range chunks {
		if len(c.Embedding) != r.dimension {
			return 0, domain.WrapError(domain.ErrDimensionMismatch, "replace chunks",
				fmt.Errorf("chunk %d has %d dims, store expects %d", c.ChunkIndex, len(c.Embedding), r.dimension))
		}
		if c.RevisionID != revision.ID {
			return 0, domain.WrapError(domain.ErrInvalidInput, "replace chunks",
				fmt.Errorf("chunk %d belongs to revision %s", c.ChunkIndex, c.RevisionID))
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin chunk tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE revision_id = $1`, revision.ID); err != nil {
		return 0, fmt.Errorf("delete revision chunks: %w", err)
	}

	for _, c := range chunks {
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal chunk metadata: %w", err)
		}
		var paragraph sql.NullInt64
		if c.ParagraphIndex != nil {
			paragraph = sql.NullInt64{Int64: int64(*c.ParagraphIndex), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO chunks (
	id, document_id, revision_id, chunk_index, article_number, paragraph_index,
	chunk_type, content, chunk_hash, embedding, metadata, is_boilerplate
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT DO NOTHING
`,
			c.ID, c.DocumentID, c.RevisionID, c.ChunkIndex, nullString(c.ArticleNumber), paragraph,
			string(c.Type), c.Content, c.ChunkHash, pgvector.NewVector(c.Embedding), metaJSON, c.IsBoilerplate,
		)
		if err != nil {
			return 0, mapWriteError("insert chunk", err)
		}
	}

	// A concurrent writer of the same revision may own some of the rows, so
	// the count comes from the table rather than from this tx's inserts.
	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE revision_id = $1`, revision.ID).Scan(&stored); err != nil {
		return 0, fmt.Errorf("count revision chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit chunk tx: %w", err)
	}
	return stored, nil
}

// Search scores with cosine similarity, applies the optional article boost,
// then the threshold, and orders deterministically.
func (r *ChunkRepository) Search(ctx context.Context, q domain.SearchQuery) ([]domain.ScoredChunk, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if len(q.Embedding) != r.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "search chunks",
			fmt.Errorf("query has %d dims, store expects %d", len(q.Embedding), r.dimension))
	}

	query, args, err := buildSearchQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScoredChunk, 0, q.TopK)
	for rows.Next() {
		var s domain.ScoredChunk
		chunk, err := scanChunk(rows, &s.Score, &s.RawScore)
		if err != nil {
			return nil, fmt.Errorf("scan scored chunk: %w", err)
		}
		s.Chunk = *chunk
		s.Boosted = q.Boost != nil && chunk.ArticleNumber == q.Boost.ArticleNumber
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scored chunks: %w", err)
	}
	return out, nil
}

type argList struct {
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return "$" + strconv.Itoa(len(a.args))
}

func buildSearchQuery(q domain.SearchQuery) (string, []any, error) {
	args := &argList{}
	vec := args.add(pgvector.NewVector(q.Embedding))

	where := []string{}
	f := q.Filter
	if f.DocumentID != "" {
		where = append(where, "c.document_id = "+args.add(f.DocumentID))
	}
	if f.RevisionID != "" {
		where = append(where, "c.revision_id = "+args.add(f.RevisionID))
	} else {
		where = append(where, "r.status = 'success'")
	}
	if !f.Keyed() && !f.IncludeSuperseded {
		where = append(where, "d.status = 'active'")
	}
	if !f.IncludeBoilerplate {
		where = append(where, "NOT c.is_boilerplate")
	}
	if len(f.Sources) > 0 {
		ph := make([]string, 0, len(f.Sources))
		for _, s := range f.Sources {
			ph = append(ph, args.add(s))
		}
		where = append(where, "d.source IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Category != "" {
		where = append(where, "c.metadata->>'category' = "+args.add(f.Category))
	}
	if len(f.ChunkTypes) > 0 {
		ph := make([]string, 0, len(f.ChunkTypes))
		for _, t := range f.ChunkTypes {
			ph = append(ph, args.add(string(t)))
		}
		where = append(where, "c.chunk_type IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.Metadata) > 0 {
		raw, err := json.Marshal(f.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("marshal metadata filter: %w", err)
		}
		where = append(where, "c.metadata @> "+args.add(string(raw))+"::jsonb")
	}

	scoreExpr := "raw_score"
	if q.Boost != nil {
		scoreExpr = "CASE WHEN article_number = " + args.add(q.Boost.ArticleNumber) +
			" THEN raw_score + (" + args.add(q.Boost.Factor) + "::float8 - 1) * abs(raw_score) ELSE raw_score END"
	}
	thresholdOn := "score"
	if q.ThresholdMode == domain.ThresholdOnRaw {
		thresholdOn = "raw_score"
	}
	threshold := args.add(q.Threshold)
	limit := args.add(q.TopK)

	query := `
WITH scored AS (
	SELECT ` + chunkColumns + `, 1 - (c.embedding <=> ` + vec + `::vector) AS raw_score
	FROM chunks c
	JOIN documents d ON d.id = c.document_id
	JOIN index_revisions r ON r.id = c.revision_id
	WHERE ` + strings.Join(where, "\n\t\tAND ") + `
), boosted AS (
	SELECT *, ` + scoreExpr + ` AS score FROM scored
)
SELECT id, document_id, revision_id, chunk_index, article_number, paragraph_index,
	chunk_type, content, chunk_hash, metadata, is_boilerplate, score, raw_score
FROM boosted
WHERE ` + thresholdOn + ` >= ` + threshold + `
ORDER BY score DESC, chunk_index ASC, document_id ASC, id ASC
LIMIT ` + limit
	return query, args.args, nil
}

func (r *ChunkRepository) ListChunks(ctx context.Context, revisionID string) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+chunkColumns+`
FROM chunks c
WHERE c.revision_id = $1
ORDER BY c.chunk_index ASC
`, revisionID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func scanChunk(row rowScanner, extra ...any) (*domain.Chunk, error) {
	var (
		c         domain.Chunk
		article   sql.NullString
		paragraph sql.NullInt64
		chunkType string
		metaRaw   []byte
	)
	dest := []any{
		&c.ID, &c.DocumentID, &c.RevisionID, &c.ChunkIndex, &article, &paragraph,
		&chunkType, &c.Content, &c.ChunkHash, &metaRaw, &c.IsBoilerplate,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.ArticleNumber = article.String
	if paragraph.Valid {
		p := int(paragraph.Int64)
		c.ParagraphIndex = &p
	}
	c.Type = domain.ChunkType(chunkType)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
		}
	}
	return &c, nil
}
