package usecase

import (
	"strings"
)

var abbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.", "Prof.", "St.",
	"Inc.", "Ltd.", "Co.", "vs.", "etc.", "i.e.", "e.g.", "a.m.", "p.m.",
}

// SentenceBuffer accumulates streamed text and cuts it into sentences so each
// one can be synthesized as soon as it is complete.
type SentenceBuffer struct {
	buffer strings.Builder
}

func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Add appends text and returns the sentences it completed. A terminator at
// the very end of the buffer is held until the next delta shows whether it
// really ends the sentence.
func (b *SentenceBuffer) Add(text string) []string {
	b.buffer.WriteString(text)
	content := b.buffer.String()

	var sentences []string
	lastEnd := 0
	for i := 0; i < len(content)-1; i++ {
		if !isSentenceEnd(content, i) {
			continue
		}
		if sentence := strings.TrimSpace(content[lastEnd : i+1]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		lastEnd = i + 1
	}

	if lastEnd > 0 {
		b.buffer.Reset()
		b.buffer.WriteString(content[lastEnd:])
	}
	return sentences
}

// Flush returns whatever is left and clears the buffer.
func (b *SentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.buffer.String())
	b.buffer.Reset()
	return rest
}

func isSentenceEnd(s string, i int) bool {
	switch s[i] {
	case '.', '!', '?':
	case '\n':
		return true
	default:
		return false
	}
	if i+1 < len(s) && !isSpace(s[i+1]) {
		return false
	}
	return !(s[i] == '.' && isAbbreviation(s, i))
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && !isSpace(s[start-1]) {
		start--
	}
	word := s[start : i+1]
	for _, abbr := range abbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	// initials such as "J."
	return i-start == 1 && s[start] >= 'A' && s[start] <= 'Z'
}
