package normalize

import (
	"strings"
	"testing"
)

func TestNormalizeCollapsesWhitespaceAndLineEndings(t *testing.T) {
	raw := "\ufeffArticle 1  (Purpose)\r\n\r\n\r\n  The   purpose\tof this\u200b contract.  \r\n"
	got := Text(raw)
	want := "Article 1 (Purpose)\n\nThe purpose of this contract."
	if got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestNormalizeDropsMarkerLines(t *testing.T) {
	raw := "[[page 1]]\n[[header]] ACME Corp confidential\nArticle 1 Scope\n\f[[footer]] page 1 of 3\nbody text"
	got := Text(raw)
	if strings.Contains(got, "ACME") || strings.Contains(got, "page") {
		t.Fatalf("expected markers dropped, got %q", got)
	}
	if got != "Article 1 Scope\nbody text" {
		t.Fatalf("unexpected normalized text %q", got)
	}
}

func TestNormalizeComposesUnicode(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"
	if Text(decomposed) != composed {
		t.Fatalf("expected NFC composition, got %q", Text(decomposed))
	}
	// Hangul jamo sequences compose to syllables.
	if Text("\u110c\u1166") != "\uc81c" {
		t.Fatalf("expected composed hangul, got %q", Text("\u110c\u1166"))
	}
}

func TestNormalizeWhitespaceOnlyChangesHashEqual(t *testing.T) {
	n := New()
	a := n.Normalize("Article 1\nThe supplier shall deliver.")
	b := n.Normalize("  Article 1 \r\n\r\n\r\nThe  supplier shall\tdeliver.\n\n")
	c := n.Normalize("Article 1\nThe supplier shall not deliver.")

	// b differs in blank-line count; runs collapse to at most one blank line.
	if b.Text != "Article 1\n\nThe supplier shall deliver." {
		t.Fatalf("unexpected text %q", b.Text)
	}
	if a.Hash == c.Hash {
		t.Fatalf("expected different hash for different content")
	}
	if len(a.Hash) != 64 {
		t.Fatalf("expected hex sha256, got %q", a.Hash)
	}
	again := n.Normalize("Article 1\r\nThe supplier  shall deliver.")
	if again.Hash != a.Hash {
		t.Fatalf("expected equal hash for whitespace-only change")
	}
}

func TestNormalizeEmpty(t *testing.T) {
	got := New().Normalize(" \n\t\r\n[[page 2]]\n")
	if got.Text != "" {
		t.Fatalf("expected empty text, got %q", got.Text)
	}
	if got.Hash != Hash("") {
		t.Fatalf("expected hash of empty text")
	}
}

func TestNormalizePageBreaksDoNotChangeHash(t *testing.T) {
	n := New()
	base := n.Normalize("Article 1 Scope\nbody text")
	for _, raw := range []string{
		"Article 1 Scope\n\fbody text",
		"Article 1 Scope\f\nbody text",
		"Article 1 Scope\n\f\nbody text",
		"Article 1 Scope\n\n[[page 2]]\n\nbody text",
	} {
		got := n.Normalize(raw)
		if got.Hash != base.Hash {
			t.Fatalf("page break changed hash for %q: got text %q", raw, got.Text)
		}
	}
}
