package chunking

import (
	"strings"
	"unicode"
)

// Splitter cuts text into overlapping windows measured in runes. A window ends
// at the last paragraph break, else sentence end, else whitespace found in its
// second half; only text without any of those is hard cut.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	out := make([]string, 0, len(runes)/s.ChunkSize+1)
	for start := 0; start < len(runes); {
		end := start + s.ChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = cutPoint(runes, start, end)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - s.Overlap
		if next <= start {
			next = end
		}
		start = alignStart(runes, next, end)
	}
	return out
}

// Head returns the longest boundary-cut prefix of text within limit runes.
func (s *Splitter) Head(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(string(runes[:cutPoint(runes, 0, limit)]))
}

func cutPoint(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	if p := lastParagraphBreak(runes, floor, end); p > 0 {
		return p
	}
	if p := lastSentenceEnd(runes, floor, end); p > 0 {
		return p
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

func lastParagraphBreak(runes []rune, floor, end int) int {
	for i := end - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	return 0
}

func lastSentenceEnd(runes []rune, floor, end int) int {
	for i := end - 1; i >= floor; i-- {
		switch runes[i] {
		case '.', '!', '?', '。', '．':
			if i+1 == end || i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	return 0
}

// alignStart moves an overlap start forward to the next word boundary so
// windows do not begin mid-word.
func alignStart(runes []rune, from, limit int) int {
	if from == 0 || unicode.IsSpace(runes[from-1]) {
		return from
	}
	for i := from; i < limit; i++ {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return from
}
