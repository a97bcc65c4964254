package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type DeliveryChannel string

const (
	ChannelWebhook DeliveryChannel = "webhook"
	ChannelNATS    DeliveryChannel = "nats"
)

type CriterionKind string

const (
	CriterionCategoryEquals  CriterionKind = "category_equals"
	CriterionSourceEquals    CriterionKind = "source_equals"
	CriterionKeywordContains CriterionKind = "keyword_contains"
	CriterionBudgetRange     CriterionKind = "budget_range"
)

// Criterion is a tagged filter: Kind selects which of the remaining fields
// are meaningful.
type Criterion struct {
	Kind     CriterionKind `json:"kind" yaml:"kind"`
	Value    string        `json:"value,omitempty" yaml:"value,omitempty"`
	Keywords []string      `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Min      *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64      `json:"max,omitempty" yaml:"max,omitempty"`
}

type Subscription struct {
	ID        string          `json:"id" yaml:"id"`
	OwnerID   string          `json:"owner_id" yaml:"owner_id"`
	Name      string          `json:"name" yaml:"name"`
	Criteria  []Criterion     `json:"criteria" yaml:"criteria"`
	Channel   DeliveryChannel `json:"channel" yaml:"channel"`
	Target    string          `json:"target" yaml:"target"`
	MinScore  float64         `json:"min_score" yaml:"min_score"`
	Active    bool            `json:"active" yaml:"active"`
	CreatedAt time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
}

func (s Subscription) Validate() error {
	if strings.TrimSpace(s.OwnerID) == "" {
		return WrapError(ErrInvalidInput, "validate subscription", fmt.Errorf("owner_id is required"))
	}
	if len(s.Criteria) == 0 {
		return WrapError(ErrInvalidInput, "validate subscription", fmt.Errorf("at least one criterion is required"))
	}
	switch s.Channel {
	case ChannelWebhook, ChannelNATS:
	default:
		return WrapError(ErrInvalidInput, "validate subscription", fmt.Errorf("unknown channel %q", s.Channel))
	}
	if strings.TrimSpace(s.Target) == "" {
		return WrapError(ErrInvalidInput, "validate subscription", fmt.Errorf("target is required"))
	}
	for i, c := range s.Criteria {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("criterion %d: %w", i, err)
		}
	}
	return nil
}

func (c Criterion) Validate() error {
	switch c.Kind {
	case CriterionCategoryEquals, CriterionSourceEquals:
		if strings.TrimSpace(c.Value) == "" {
			return WrapError(ErrInvalidInput, string(c.Kind), fmt.Errorf("value is required"))
		}
	case CriterionKeywordContains:
		if len(c.Keywords) == 0 {
			return WrapError(ErrInvalidInput, string(c.Kind), fmt.Errorf("keywords are required"))
		}
	case CriterionBudgetRange:
		if c.Min == nil && c.Max == nil {
			return WrapError(ErrInvalidInput, string(c.Kind), fmt.Errorf("min or max is required"))
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return WrapError(ErrInvalidInput, string(c.Kind), fmt.Errorf("min > max"))
		}
	default:
		return WrapError(ErrInvalidInput, "validate criterion", fmt.Errorf("unknown kind %q", c.Kind))
	}
	return nil
}

// MatchInput is the read-only view of a revision that criteria run against.
type MatchInput struct {
	Document Document
	Revision IndexRevision
	Chunks   []Chunk
}

type MatchEvidence struct {
	Kind          CriterionKind `json:"kind"`
	Field         string        `json:"field"`
	ChunkID       string        `json:"chunk_id,omitempty"`
	ArticleNumber string        `json:"article_number,omitempty"`
	Detail        string        `json:"detail"`
}

type MatchResult struct {
	SubscriptionID string          `json:"subscription_id"`
	RevisionID     string          `json:"revision_id"`
	DocumentID     string          `json:"document_id"`
	Score          float64         `json:"score"`
	Explanation    string          `json:"explanation"`
	Evidence       []MatchEvidence `json:"evidence"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Evaluate interprets all criteria of a subscription. All criteria must match;
// the score is the mean of per-criterion scores.
func (s Subscription) Evaluate(in MatchInput) (MatchResult, bool, error) {
	if len(s.Criteria) == 0 {
		return MatchResult{}, false, WrapError(ErrInvalidInput, "evaluate subscription", fmt.Errorf("subscription %s has no criteria", s.ID))
	}
	var (
		total    float64
		evidence []MatchEvidence
	)
	for i, c := range s.Criteria {
		score, ev, ok, err := evaluateCriterion(c, in)
		if err != nil {
			return MatchResult{}, false, fmt.Errorf("criterion %d: %w", i, err)
		}
		if !ok {
			return MatchResult{}, false, nil
		}
		total += score
		evidence = append(evidence, ev...)
	}
	score := total / float64(len(s.Criteria))
	if score < s.MinScore {
		return MatchResult{}, false, nil
	}
	return MatchResult{
		SubscriptionID: s.ID,
		RevisionID:     in.Revision.ID,
		DocumentID:     in.Document.ID,
		Score:          score,
		Explanation:    explain(evidence),
		Evidence:       evidence,
	}, true, nil
}

func evaluateCriterion(c Criterion, in MatchInput) (float64, []MatchEvidence, bool, error) {
	if err := c.Validate(); err != nil {
		return 0, nil, false, err
	}
	switch c.Kind {
	case CriterionCategoryEquals:
		if !strings.EqualFold(in.Document.Metadata.Category, c.Value) {
			return 0, nil, false, nil
		}
		return 1, []MatchEvidence{{
			Kind:   c.Kind,
			Field:  "category",
			Detail: fmt.Sprintf("category=%s", in.Document.Metadata.Category),
		}}, true, nil
	case CriterionSourceEquals:
		if in.Document.Source != c.Value {
			return 0, nil, false, nil
		}
		return 1, []MatchEvidence{{
			Kind:   c.Kind,
			Field:  "source",
			Detail: fmt.Sprintf("source=%s", in.Document.Source),
		}}, true, nil
	case CriterionKeywordContains:
		return evaluateKeywords(c, in)
	case CriterionBudgetRange:
		return evaluateBudget(c, in.Document.Metadata)
	}
	return 0, nil, false, nil
}

func evaluateKeywords(c Criterion, in MatchInput) (float64, []MatchEvidence, bool, error) {
	var evidence []MatchEvidence
	hits := 0
	for _, kw := range c.Keywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if containsKeyword(strings.ToLower(in.Document.Title), needle) {
			hits++
			evidence = append(evidence, MatchEvidence{
				Kind:   c.Kind,
				Field:  "title",
				Detail: fmt.Sprintf("keyword %q in title", kw),
			})
			continue
		}
		for _, ch := range in.Chunks {
			if ch.IsBoilerplate || !containsKeyword(strings.ToLower(ch.Content), needle) {
				continue
			}
			hits++
			evidence = append(evidence, MatchEvidence{
				Kind:          c.Kind,
				Field:         "content",
				ChunkID:       ch.ID,
				ArticleNumber: ch.ArticleNumber,
				Detail:        fmt.Sprintf("keyword %q in chunk %d", kw, ch.ChunkIndex),
			})
			break
		}
	}
	if hits == 0 {
		return 0, nil, false, nil
	}
	return float64(hits) / float64(len(c.Keywords)), evidence, true, nil
}

// containsKeyword is a substring match, except that a keyword starting or
// ending with a digit must not run into further digits: "article 3" does not
// hit "article 30".
func containsKeyword(text, needle string) bool {
	first, _ := utf8.DecodeRuneInString(needle)
	last, _ := utf8.DecodeLastRuneInString(needle)
	for from := 0; from <= len(text); {
		i := strings.Index(text[from:], needle)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(needle)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if !(unicode.IsDigit(first) && start > 0 && unicode.IsDigit(before)) &&
			!(unicode.IsDigit(last) && end < len(text) && unicode.IsDigit(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func evaluateBudget(c Criterion, meta DocumentMetadata) (float64, []MatchEvidence, bool, error) {
	lo, hi := meta.BudgetMin, meta.BudgetMax
	if lo == nil && hi == nil {
		return 0, nil, false, nil
	}
	if lo == nil {
		lo = hi
	}
	if hi == nil {
		hi = lo
	}
	if c.Max != nil && *lo > *c.Max {
		return 0, nil, false, nil
	}
	if c.Min != nil && *hi < *c.Min {
		return 0, nil, false, nil
	}
	return 1, []MatchEvidence{{
		Kind:   c.Kind,
		Field:  "budget",
		Detail: fmt.Sprintf("budget [%s,%s] within [%s,%s]", fmtBound(lo), fmtBound(hi), fmtBound(c.Min), fmtBound(c.Max)),
	}}, true, nil
}

func fmtBound(v *float64) string {
	if v == nil {
		return "*"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func explain(evidence []MatchEvidence) string {
	parts := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		p := ev.Detail
		if ev.ArticleNumber != "" {
			p += " (article " + ev.ArticleNumber + ")"
		}
		if ev.ChunkID != "" {
			p += " [chunk " + ev.ChunkID + "]"
		}
		parts = append(parts, p)
	}
	return "matched: " + strings.Join(parts, "; ")
}
