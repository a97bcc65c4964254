package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

// markerLine matches page/header/footer/boilerplate markers emitted by the
// extractors, which must not influence the content hash.
var markerLine = regexp.MustCompile(`^\s*\[\[(?i:page(?:\s+\d+)?|header|footer|boilerplate)\]\].*$`)

type Normalizer struct{}

func New() *Normalizer {
	return &Normalizer{}
}

func (n *Normalizer) Normalize(raw string) domain.NormalizedContent {
	text := Text(raw)
	return domain.NormalizedContent{Text: text, Hash: Hash(text)}
}

// Text canonicalizes extracted text: invisible characters are stripped, line
// endings unified, Unicode composed (NFC), marker lines and form feeds dropped
// and whitespace collapsed.
func Text(raw string) string {
	s := strings.TrimPrefix(raw, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\f':
			return r
		case r == '\t', r == ' ', r == '\u00a0', r == '\u3000':
			return ' '
		case isInvisible(r):
			return -1
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		pageBreak := strings.ContainsRune(line, '\f')
		if pageBreak {
			line = strings.ReplaceAll(line, "\f", " ")
		}
		if markerLine.MatchString(line) || (pageBreak && strings.TrimSpace(line) == "") {
			// A page boundary leaves no blank line on either side.
			if len(out) > 0 && out[len(out)-1] == "" {
				out = out[:len(out)-1]
			}
			blank = true
			continue
		}
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func isInvisible(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad':
		return true
	}
	return false
}
