package chunking

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

var (
	// articleMarker matches a clause heading at the start of a line:
	// "Article 3", "ARTICLE 3-2", "Art. 3", "제3조", "제3조의2", with an
	// optional bracketed title.
	articleMarker = regexp.MustCompile(
		`(?m)^[ \t]*(?:(?:Article|ARTICLE|Art\.)[ \t]+(\d+)(?:-(\d+))?|제[ \t]*(\d+)[ \t]*조(?:[ \t]*의[ \t]*(\d+))?)` +
			`(?:[ \t]*([(\[【（][^)\]】）\n]{0,80}[)\]】）]))?`,
	)
	paragraphMarker = regexp.MustCompile(`^[ \t]*(?:[\x{2460}-\x{2473}]|\(\d{1,2}\)|\d{1,2}\.)`)
)

type Options struct {
	Window              int
	Overlap             int
	ArticleMaxRunes     int
	BoilerplateMinRunes int
}

// StructuredChunker splits clause-structured documents by article and falls
// back to overlapping windows when no clause markers are present.
type StructuredChunker struct {
	window         *Splitter
	articleMax     int
	boilerplateMin int
}

func NewStructuredChunker(opts Options) *StructuredChunker {
	if opts.ArticleMaxRunes <= 0 {
		opts.ArticleMaxRunes = 1500
	}
	if opts.BoilerplateMinRunes < 0 {
		opts.BoilerplateMinRunes = 0
	}
	return &StructuredChunker{
		window:         NewSplitter(opts.Window, opts.Overlap),
		articleMax:     opts.ArticleMaxRunes,
		boilerplateMin: opts.BoilerplateMinRunes,
	}
}

type article struct {
	number  string
	heading string
	body    string
}

func (c *StructuredChunker) Chunk(text string) []domain.ChunkDraft {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	matches := headings(text, articleMarker.FindAllStringSubmatchIndex(text, -1))
	if len(matches) == 0 {
		return c.generic(nil, text)
	}

	var drafts []domain.ChunkDraft
	if preamble := strings.TrimSpace(text[:matches[0][0]]); preamble != "" {
		drafts = c.generic(drafts, preamble)
	}
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		drafts = c.article(drafts, parseArticle(text, m, end))
	}
	return drafts
}

func submatch(text string, m []int, n int) string {
	if m[2*n] < 0 {
		return ""
	}
	return text[m[2*n]:m[2*n+1]]
}

type clauseNumber struct {
	main, sub int
}

func clauseNumberOf(text string, m []int) clauseNumber {
	main, sub := submatch(text, m, 1), submatch(text, m, 2)
	if main == "" {
		main, sub = submatch(text, m, 3), submatch(text, m, 4)
	}
	var n clauseNumber
	n.main, _ = strconv.Atoi(main)
	n.sub, _ = strconv.Atoi(sub)
	return n
}

func (n clauseNumber) after(prev clauseNumber) bool {
	return n.main > prev.main || (n.main == prev.main && n.sub > prev.sub)
}

// headings keeps the markers that open a clause. A marker with a bracketed
// title always does. A bare one must follow a blank line, a finished sentence
// or another heading, and must number past the previous clause; otherwise it
// is a cross-reference that a hard line wrap moved to the start of a line.
func headings(text string, matches [][]int) [][]int {
	var (
		out      [][]int
		last     clauseNumber
		lastLine = -1
	)
	for _, m := range matches {
		num := clauseNumberOf(text, m)
		if m[10] < 0 {
			prev, prevStart := previousLine(text, m[0])
			if prev != "" && prevStart != lastLine && !endsSentence(prev) {
				continue
			}
			if len(out) > 0 && !num.after(last) {
				continue
			}
		}
		out = append(out, m)
		last = num
		lastLine = m[0]
	}
	return out
}

// previousLine returns the trimmed line before the one starting at pos and
// the offset where that line starts.
func previousLine(text string, pos int) (string, int) {
	before := strings.TrimSuffix(text[:pos], "\n")
	start := strings.LastIndexByte(before, '\n') + 1
	return strings.TrimSpace(before[start:]), start
}

func endsSentence(line string) bool {
	r, _ := utf8.DecodeLastRuneInString(line)
	return strings.ContainsRune(".!?:;)]】）>〉\"”'’", r)
}

func parseArticle(text string, m []int, end int) article {
	number := submatch(text, m, 1)
	sub := submatch(text, m, 2)
	if number == "" {
		number = submatch(text, m, 3)
		sub = submatch(text, m, 4)
	}
	if sub != "" {
		number += "-" + sub
	}
	return article{
		number:  number,
		heading: strings.TrimSpace(text[m[0]:m[1]]),
		body:    strings.TrimSpace(text[m[1]:end]),
	}
}

func (c *StructuredChunker) article(drafts []domain.ChunkDraft, a article) []domain.ChunkDraft {
	full := joinHeading(a.heading, a.body)
	boilerplate := utf8.RuneCountInString(a.body) < c.boilerplateMin

	if utf8.RuneCountInString(full) <= c.articleMax {
		return append(drafts, domain.ChunkDraft{
			ChunkIndex:    len(drafts),
			ArticleNumber: a.number,
			Type:          domain.ChunkArticle,
			Content:       full,
			IsBoilerplate: boilerplate,
		})
	}

	budget := c.articleMax - utf8.RuneCountInString(a.heading) - 1
	if budget < c.articleMax/4 {
		budget = c.articleMax / 4
	}
	drafts = append(drafts, domain.ChunkDraft{
		ChunkIndex:    len(drafts),
		ArticleNumber: a.number,
		Type:          domain.ChunkArticle,
		Content:       joinHeading(a.heading, c.window.Head(a.body, budget)),
		IsBoilerplate: boilerplate,
	})
	for i, part := range c.packParagraphs(splitParagraphs(a.body), budget) {
		idx := i + 1
		drafts = append(drafts, domain.ChunkDraft{
			ChunkIndex:     len(drafts),
			ArticleNumber:  a.number,
			ParagraphIndex: &idx,
			Type:           domain.ChunkParagraph,
			Content:        joinHeading(a.heading, part),
			IsBoilerplate:  utf8.RuneCountInString(part) < c.boilerplateMin,
		})
	}
	return drafts
}

func (c *StructuredChunker) generic(drafts []domain.ChunkDraft, text string) []domain.ChunkDraft {
	for _, part := range c.window.Split(text) {
		drafts = append(drafts, domain.ChunkDraft{
			ChunkIndex:    len(drafts),
			Type:          domain.ChunkGeneric,
			Content:       part,
			IsBoilerplate: utf8.RuneCountInString(part) < c.boilerplateMin,
		})
	}
	return drafts
}

// splitParagraphs breaks an article body at numbered paragraph markers and
// blank lines.
func splitParagraphs(body string) []string {
	var (
		out     []string
		current []string
	)
	flush := func() {
		if p := strings.TrimSpace(strings.Join(current, "\n")); p != "" {
			out = append(out, p)
		}
		current = current[:0]
	}
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if paragraphMarker.MatchString(line) {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return out
}

// packParagraphs merges consecutive paragraphs up to limit runes; a paragraph
// over the limit is windowed on its own.
func (c *StructuredChunker) packParagraphs(paragraphs []string, limit int) []string {
	var (
		out  []string
		buf  strings.Builder
		size int
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
			size = 0
		}
	}
	for _, p := range paragraphs {
		n := utf8.RuneCountInString(p)
		if n > limit {
			flush()
			out = append(out, NewSplitter(limit, c.window.Overlap).Split(p)...)
			continue
		}
		if size > 0 && size+1+n > limit {
			flush()
		}
		if size > 0 {
			buf.WriteByte('\n')
			size++
		}
		buf.WriteString(p)
		size += n
	}
	flush()
	return out
}

func joinHeading(heading, body string) string {
	if body == "" {
		return heading
	}
	return heading + "\n" + body
}
