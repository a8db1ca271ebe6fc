package pipeline

import "strings"

// sentenceBuffer accumulates streamed tokens and splits at sentence
// boundaries so synthesis can start before generation finishes.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns any complete sentence ready for synthesis,
// or "" if no boundary has been reached yet.
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	text := s.buf.String()
	complete, remainder := splitAtSentence(text)
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns any remaining text in the buffer.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence finds the last sentence boundary: an ender (.!?) followed
// by whitespace, or the Hindi danda. Returns (completeSentences, remainder);
// ("", text) when no boundary exists.
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := 0; i < len(text)-1; i++ {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if idx := strings.LastIndex(text, "।"); idx >= 0 {
		if end := idx + len("।"); end > lastIdx {
			lastIdx = end
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// trailerFilter separates the spoken reply from the structured JSON trailer
// the model appends as its final line. Once an opening brace is seen at the
// start of a line, everything after it is diverted into the trailer and kept
// away from the sentence stream.
type trailerFilter struct {
	inTrailer bool
	trailer   strings.Builder
	lineStart bool
}

func newTrailerFilter() *trailerFilter {
	return &trailerFilter{lineStart: true}
}

// Filter returns the speakable portion of token; trailer bytes are retained
// internally.
func (f *trailerFilter) Filter(token string) string {
	if f.inTrailer {
		f.trailer.WriteString(token)
		return ""
	}
	for i := 0; i < len(token); i++ {
		ch := token[i]
		if ch == '{' && f.lineStart {
			f.inTrailer = true
			f.trailer.WriteString(token[i:])
			return token[:i]
		}
		f.lineStart = ch == '\n' || (f.lineStart && (ch == ' ' || ch == '\t'))
	}
	return token
}

// Trailer returns the accumulated JSON trailer text.
func (f *trailerFilter) Trailer() string {
	return strings.TrimSpace(f.trailer.String())
}
