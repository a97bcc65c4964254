package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"strconv"
)

type ChunkType string

const (
	ChunkArticle   ChunkType = "article"
	ChunkParagraph ChunkType = "paragraph"
	ChunkGeneric   ChunkType = "generic"
)

// ChunkDraft is the chunker output, before embedding.
type ChunkDraft struct {
	ChunkIndex     int       `json:"chunk_index"`
	ArticleNumber  string    `json:"article_number,omitempty"`
	ParagraphIndex *int      `json:"paragraph_index,omitempty"`
	Type           ChunkType `json:"chunk_type"`
	Content        string    `json:"content"`
	IsBoilerplate  bool      `json:"is_boilerplate"`
}

type Chunk struct {
	ID             string            `json:"id"`
	DocumentID     string            `json:"document_id"`
	RevisionID     string            `json:"revision_id"`
	ChunkIndex     int               `json:"chunk_index"`
	ArticleNumber  string            `json:"article_number,omitempty"`
	ParagraphIndex *int              `json:"paragraph_index,omitempty"`
	Type           ChunkType         `json:"chunk_type"`
	Content        string            `json:"content"`
	ChunkHash      string            `json:"chunk_hash"`
	Embedding      []float32         `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IsBoilerplate  bool              `json:"is_boilerplate"`
}

// ChunkHash identifies a chunk within a revision. Position is part of the hash
// so repeated identical clauses in one document stay distinct.
func ChunkHash(d ChunkDraft) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(d.ChunkIndex)))
	h.Write([]byte{0})
	h.Write([]byte(d.Type))
	h.Write([]byte{0})
	h.Write([]byte(d.ArticleNumber))
	h.Write([]byte{0})
	if d.ParagraphIndex != nil {
		h.Write([]byte(strconv.Itoa(*d.ParagraphIndex)))
	}
	h.Write([]byte{0})
	h.Write([]byte(d.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkMetadata is the per-chunk metadata copied from the owning document so
// search filters do not need to join.
func ChunkMetadata(doc Document) map[string]string {
	out := map[string]string{
		"source":  doc.Source,
		"version": strconv.Itoa(doc.Version),
	}
	if doc.Metadata.Category != "" {
		out["category"] = doc.Metadata.Category
	}
	if doc.Title != "" {
		out["title"] = doc.Title
	}
	for k, v := range doc.Metadata.Extra {
		if _, reserved := out[k]; !reserved {
			out[k] = v
		}
	}
	return out
}

// BuildChunks attaches revision identity, hashes and embeddings to drafts.
func BuildChunks(doc Document, rev IndexRevision, drafts []ChunkDraft, vectors [][]float32, newID func() string) []Chunk {
	meta := ChunkMetadata(doc)
	out := make([]Chunk, 0, len(drafts))
	for i, d := range drafts {
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		out = append(out, Chunk{
			ID:             newID(),
			DocumentID:     doc.ID,
			RevisionID:     rev.ID,
			ChunkIndex:     d.ChunkIndex,
			ArticleNumber:  d.ArticleNumber,
			ParagraphIndex: d.ParagraphIndex,
			Type:           d.Type,
			Content:        d.Content,
			ChunkHash:      ChunkHash(d),
			Embedding:      vec,
			Metadata:       maps.Clone(meta),
			IsBoilerplate:  d.IsBoilerplate,
		})
	}
	return out
}
