package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

type SearchFilter struct {
	DocumentID string            `json:"document_id,omitempty"`
	RevisionID string            `json:"revision_id,omitempty"`
	Sources    []string          `json:"sources,omitempty"`
	Category   string            `json:"category,omitempty"`
	ChunkTypes []ChunkType       `json:"chunk_types,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	// Boilerplate chunks are excluded unless asked for.
	IncludeBoilerplate bool `json:"include_boilerplate,omitempty"`
	// Superseded document versions are excluded unless asked for or the
	// query is keyed to a specific document/revision.
	IncludeSuperseded bool `json:"include_superseded,omitempty"`
}

// Boost scales the similarity of chunks from one article by Factor.
type Boost struct {
	ArticleNumber string  `json:"article_number"`
	Factor        float64 `json:"factor"`
}

// ThresholdMode selects which score the threshold is checked against when a
// boost is present.
type ThresholdMode string

const (
	ThresholdOnBoosted ThresholdMode = "boosted"
	ThresholdOnRaw     ThresholdMode = "raw"
)

func ParseThresholdMode(v string) (ThresholdMode, error) {
	switch ThresholdMode(strings.ToLower(strings.TrimSpace(v))) {
	case "", ThresholdOnBoosted:
		return ThresholdOnBoosted, nil
	case ThresholdOnRaw:
		return ThresholdOnRaw, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse threshold mode", fmt.Errorf("unknown mode %q", v))
	}
}

type SearchQuery struct {
	Embedding     []float32     `json:"-"`
	TopK          int           `json:"top_k"`
	Threshold     float64       `json:"threshold"`
	Filter        SearchFilter  `json:"filter"`
	Boost         *Boost        `json:"boost,omitempty"`
	ThresholdMode ThresholdMode `json:"threshold_mode,omitempty"`
}

const MaxSearchTopK = 200

func (q SearchQuery) Validate() error {
	if len(q.Embedding) == 0 {
		return WrapError(ErrInvalidInput, "validate search", errors.New("query embedding is empty"))
	}
	if q.TopK <= 0 || q.TopK > MaxSearchTopK {
		return WrapError(ErrInvalidInput, "validate search", fmt.Errorf("top_k must be in [1,%d]", MaxSearchTopK))
	}
	if math.IsNaN(q.Threshold) {
		return WrapError(ErrInvalidInput, "validate search", errors.New("threshold is NaN"))
	}
	if q.Boost != nil {
		if strings.TrimSpace(q.Boost.ArticleNumber) == "" {
			return WrapError(ErrInvalidInput, "validate search", errors.New("boost target is empty"))
		}
		if !(q.Boost.Factor > 1) {
			return WrapError(ErrInvalidInput, "validate search", errors.New("boost factor must be > 1"))
		}
	}
	switch q.ThresholdMode {
	case "", ThresholdOnBoosted, ThresholdOnRaw:
	default:
		return WrapError(ErrInvalidInput, "validate search", fmt.Errorf("unknown threshold mode %q", q.ThresholdMode))
	}
	return nil
}

type ScoredChunk struct {
	Chunk    Chunk   `json:"chunk"`
	Score    float64 `json:"score"`
	RawScore float64 `json:"raw_score"`
	Boosted  bool    `json:"boosted"`
}

// Apply returns the boosted score for a candidate. A nil boost is identity.
// The boost moves a score up by (Factor-1)*|raw|, so negative cosine scores
// rise as well; for raw >= 0 this is raw*Factor.
func (b *Boost) Apply(c Chunk, raw float64) (float64, bool) {
	if b == nil || c.ArticleNumber == "" || c.ArticleNumber != b.ArticleNumber {
		return raw, false
	}
	return raw + (b.Factor-1)*math.Abs(raw), true
}

// Admits reports whether a candidate passes the threshold under the query policy.
func (q SearchQuery) Admits(s ScoredChunk) bool {
	if q.ThresholdMode == ThresholdOnRaw {
		return s.RawScore >= q.Threshold
	}
	return s.Score >= q.Threshold
}

// Matches applies the metadata-level filter in Go. Document status is checked
// by the caller since chunks do not carry it.
func (f SearchFilter) Matches(c Chunk) bool {
	if f.DocumentID != "" && c.DocumentID != f.DocumentID {
		return false
	}
	if f.RevisionID != "" && c.RevisionID != f.RevisionID {
		return false
	}
	if !f.IncludeBoilerplate && c.IsBoilerplate {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, c.Metadata["source"]) {
		return false
	}
	if f.Category != "" && c.Metadata["category"] != f.Category {
		return false
	}
	if len(f.ChunkTypes) > 0 && !slices.Contains(f.ChunkTypes, c.Type) {
		return false
	}
	for k, v := range f.Metadata {
		if c.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Keyed reports whether the filter pins a single document or revision.
func (f SearchFilter) Keyed() bool {
	return f.DocumentID != "" || f.RevisionID != ""
}

// Rank scores candidates, applies boost then threshold, and orders the result
// by score desc, chunk_index asc, document id asc, chunk id asc.
func Rank(q SearchQuery, candidates []Chunk) []ScoredChunk {
	out := make([]ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		raw := CosineSimilarity(q.Embedding, c.Embedding)
		score, boosted := q.Boost.Apply(c, raw)
		s := ScoredChunk{Chunk: c, Score: score, RawScore: raw, Boosted: boosted}
		if !q.Admits(s) {
			continue
		}
		out = append(out, s)
	}
	SortScored(out)
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out
}

func SortScored(items []ScoredChunk) {
	slices.SortStableFunc(items, func(a, b ScoredChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if a.Chunk.ChunkIndex != b.Chunk.ChunkIndex {
			return a.Chunk.ChunkIndex - b.Chunk.ChunkIndex
		}
		if c := strings.Compare(a.Chunk.DocumentID, b.Chunk.DocumentID); c != 0 {
			return c
		}
		return strings.Compare(a.Chunk.ID, b.Chunk.ID)
	})
}

// CosineSimilarity returns 0 for zero-length or zero-norm inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type AnalysisRequest struct {
	Question string       `json:"question"`
	TopK     int          `json:"top_k"`
	Filter   SearchFilter `json:"filter"`
	Boost    *Boost       `json:"boost,omitempty"`
}

type Analysis struct {
	Result  json.RawMessage `json:"result"`
	Sources []ScoredChunk   `json:"sources"`
}

// SearchRequest is the text-level search input; the query is embedded first.
type SearchRequest struct {
	Query         string        `json:"query"`
	TopK          int           `json:"top_k,omitempty"`
	Threshold     *float64      `json:"threshold,omitempty"`
	Filter        SearchFilter  `json:"filter"`
	Boost         *Boost        `json:"boost,omitempty"`
	ThresholdMode ThresholdMode `json:"threshold_mode,omitempty"`
}
