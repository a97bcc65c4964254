package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

func newTestChunker() *StructuredChunker {
	return NewStructuredChunker(Options{
		Window:              1000,
		Overlap:             200,
		ArticleMaxRunes:     1500,
		BoilerplateMinRunes: 20,
	})
}

func TestChunkEmptyText(t *testing.T) {
	if got := newTestChunker().Chunk("  \n\n "); len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}

func TestChunkArticlesWithPreamble(t *testing.T) {
	text := "SUPPLY AGREEMENT between the Buyer and the Supplier, dated 2024.\n" +
		"Article 1 (Purpose)\nThis agreement sets out the terms of supply for office equipment.\n" +
		"Article 2 (Term)\nThe agreement runs for twelve months pursuant to Article 1.\n" +
		"Article 3 (Deleted)\n"

	drafts := newTestChunker().Chunk(text)
	if len(drafts) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %+v", len(drafts), drafts)
	}
	if drafts[0].Type != domain.ChunkGeneric || drafts[0].ArticleNumber != "" {
		t.Fatalf("expected generic preamble, got %+v", drafts[0])
	}
	for i, want := range []string{"1", "2", "3"} {
		d := drafts[i+1]
		if d.Type != domain.ChunkArticle || d.ArticleNumber != want {
			t.Fatalf("chunk %d: expected article %s, got %+v", i+1, want, d)
		}
	}
	if !strings.HasPrefix(drafts[1].Content, "Article 1 (Purpose)\n") {
		t.Fatalf("expected heading prefix, got %q", drafts[1].Content)
	}
	if !strings.Contains(drafts[2].Content, "pursuant to Article 1.") {
		t.Fatalf("in-line reference must stay inside article 2, got %q", drafts[2].Content)
	}
	if drafts[1].IsBoilerplate {
		t.Fatalf("expected substantive article 1")
	}
	if !drafts[3].IsBoilerplate {
		t.Fatalf("expected deleted article to be boilerplate: %+v", drafts[3])
	}
	for i, d := range drafts {
		if d.ChunkIndex != i {
			t.Fatalf("expected sequential chunk index %d, got %d", i, d.ChunkIndex)
		}
	}
}

func TestChunkIgnoresWrappedCrossReferences(t *testing.T) {
	text := "Article 1 (Scope)\nThe supplier shall perform the services set out in\n" +
		"Article 2 of this contract and pay the fees agreed.\n" +
		"Article 2 (Payment)\nFees are payable monthly against invoice, as\n" +
		"Article 1 describes.\n" +
		"Article 3\nThis agreement is governed by the laws of Korea."

	drafts := newTestChunker().Chunk(text)
	want := []string{"1", "2", "3"}
	if len(drafts) != len(want) {
		t.Fatalf("expected %d article chunks, got %d: %+v", len(want), len(drafts), drafts)
	}
	for i, d := range drafts {
		if d.Type != domain.ChunkArticle || d.ArticleNumber != want[i] {
			t.Fatalf("chunk %d: expected article %s, got %+v", i, want[i], d)
		}
	}
	if !strings.Contains(drafts[0].Content, "set out in\nArticle 2 of this contract") {
		t.Fatalf("wrapped reference must stay inside article 1, got %q", drafts[0].Content)
	}
	if !strings.HasSuffix(drafts[1].Content, "as\nArticle 1 describes.") {
		t.Fatalf("backward reference must stay inside article 2, got %q", drafts[1].Content)
	}
}

func TestChunkBareHeadingsAfterEmptyHeading(t *testing.T) {
	text := "Article 1\nArticle 2\nThe second clause has enough text to be substantive."

	drafts := newTestChunker().Chunk(text)
	if len(drafts) != 2 || drafts[0].ArticleNumber != "1" || drafts[1].ArticleNumber != "2" {
		t.Fatalf("expected articles 1 and 2, got %+v", drafts)
	}
	if !drafts[0].IsBoilerplate {
		t.Fatalf("expected empty article 1 to be boilerplate")
	}
}

func TestChunkKoreanMarkers(t *testing.T) {
	text := "제1조(목적) 이 계약은 물품 공급에 관한 사항을 정함을 목적으로 한다.\n" +
		"제2조의2(정의) 이 계약에서 사용하는 용어의 뜻은 다음과 같다. 공급자란 물품을 납품하는 자를 말한다.\n" +
		"제3조 삭제"

	drafts := newTestChunker().Chunk(text)
	if len(drafts) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(drafts))
	}
	want := []string{"1", "2-2", "3"}
	for i, d := range drafts {
		if d.ArticleNumber != want[i] {
			t.Fatalf("chunk %d: expected article %s, got %s", i, want[i], d.ArticleNumber)
		}
	}
	if !drafts[2].IsBoilerplate {
		t.Fatalf("expected deleted article to be boilerplate")
	}
	if drafts[0].IsBoilerplate {
		t.Fatalf("expected article 1 to be substantive")
	}
}

func TestChunkLongArticleSplitsIntoParagraphs(t *testing.T) {
	c := NewStructuredChunker(Options{Window: 1000, Overlap: 200, ArticleMaxRunes: 300, BoilerplateMinRunes: 20})
	var body strings.Builder
	for i := 1; i <= 6; i++ {
		body.WriteString("(")
		body.WriteString(string(rune('0' + i)))
		body.WriteString(") ")
		body.WriteString(strings.Repeat("The supplier shall maintain records. ", 3))
		body.WriteString("\n")
	}
	text := "Article 5 (Obligations)\n" + body.String()

	drafts := c.Chunk(text)
	if len(drafts) < 3 {
		t.Fatalf("expected article chunk plus paragraphs, got %d", len(drafts))
	}
	if drafts[0].Type != domain.ChunkArticle || drafts[0].ParagraphIndex != nil {
		t.Fatalf("expected leading article chunk, got %+v", drafts[0])
	}
	for i, d := range drafts[1:] {
		if d.Type != domain.ChunkParagraph {
			t.Fatalf("expected paragraph chunk, got %s", d.Type)
		}
		if d.ParagraphIndex == nil || *d.ParagraphIndex != i+1 {
			t.Fatalf("expected paragraph index %d, got %v", i+1, d.ParagraphIndex)
		}
		if d.ArticleNumber != "5" {
			t.Fatalf("expected article 5, got %s", d.ArticleNumber)
		}
		if !strings.HasPrefix(d.Content, "Article 5 (Obligations)\n") {
			t.Fatalf("expected heading prefix on paragraph chunk, got %q", d.Content)
		}
		if n := utf8.RuneCountInString(d.Content); n > 300 {
			t.Fatalf("paragraph chunk exceeds article limit: %d", n)
		}
	}
	if n := utf8.RuneCountInString(drafts[0].Content); n > 300 {
		t.Fatalf("article chunk exceeds limit: %d", n)
	}
	joined := ""
	for _, d := range drafts[1:] {
		joined += d.Content
	}
	if !strings.Contains(joined, "(6)") {
		t.Fatalf("expected paragraphs to cover the whole body")
	}
}

func TestChunkGenericWindowWithoutMarkers(t *testing.T) {
	sentence := "Bidders must submit the technical proposal before the deadline. "
	text := strings.Repeat(sentence, 40)

	drafts := newTestChunker().Chunk(text)
	if len(drafts) < 2 {
		t.Fatalf("expected multiple generic chunks, got %d", len(drafts))
	}
	for i, d := range drafts {
		if d.Type != domain.ChunkGeneric || d.ArticleNumber != "" {
			t.Fatalf("expected generic chunk, got %+v", d)
		}
		if n := utf8.RuneCountInString(d.Content); n > 1000 {
			t.Fatalf("chunk %d exceeds window: %d", i, n)
		}
		if !strings.HasSuffix(d.Content, ".") {
			t.Fatalf("chunk %d should end at a sentence boundary: %q", i, d.Content[len(d.Content)-20:])
		}
	}
	// consecutive windows overlap
	tail := drafts[0].Content[len(drafts[0].Content)-len(sentence)+1:]
	if !strings.Contains(drafts[1].Content, strings.TrimSpace(tail)) {
		t.Fatalf("expected overlap between consecutive windows")
	}
}

func TestChunkDeterministic(t *testing.T) {
	text := "Article 1\nFirst clause with enough text to be substantive.\nArticle 2\nSecond clause with enough text as well."
	a := newTestChunker().Chunk(text)
	b := newTestChunker().Chunk(text)
	if len(a) != len(b) {
		t.Fatalf("expected same chunk count")
	}
	for i := range a {
		if domain.ChunkHash(a[i]) != domain.ChunkHash(b[i]) {
			t.Fatalf("chunk %d hash differs between runs", i)
		}
	}
}

func TestSplitterHardCutWithoutBoundaries(t *testing.T) {
	s := NewSplitter(10, 2)
	got := s.Split(strings.Repeat("x", 25))
	if len(got) != 3 {
		t.Fatalf("expected 3 hard-cut windows, got %d: %v", len(got), got)
	}
	if got[0] != strings.Repeat("x", 10) {
		t.Fatalf("unexpected first window %q", got[0])
	}
}

func TestSplitterPrefersParagraphBreak(t *testing.T) {
	s := NewSplitter(40, 0)
	text := "First paragraph is here.\n\nSecond paragraph follows on."
	got := s.Split(text)
	if len(got) != 2 || got[0] != "First paragraph is here." {
		t.Fatalf("expected paragraph cut, got %q", got)
	}
}
