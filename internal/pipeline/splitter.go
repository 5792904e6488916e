package pipeline

import "strings"

// defaultMinSentenceLen keeps the splitter from feeding TTS fragments so
// short they synthesise as clipped blips. Shorter prefixes ride along with
// the following sentence.
const defaultMinSentenceLen = 4

// SentenceSplitter accumulates streamed text deltas and yields complete
// sentences for synthesis. A sentence ends at '.', '!', or '?' immediately
// followed by whitespace; the remainder is yielded at flush time.
//
// The splitter never yields an empty or all-whitespace unit. Not safe for
// concurrent use; the TTS stage owns one per turn.
type SentenceSplitter struct {
	minLen int
	buf    strings.Builder
}

// NewSentenceSplitter returns a splitter with the given minimum unit length.
// minLen <= 0 selects the default.
func NewSentenceSplitter(minLen int) *SentenceSplitter {
	if minLen <= 0 {
		minLen = defaultMinSentenceLen
	}
	return &SentenceSplitter{minLen: minLen}
}

// Push appends delta and returns any complete sentences now available, in
// order. A prefix shorter than the minimum length is not yielded on its own;
// the splitter waits for a later boundary and yields the combined unit.
func (s *SentenceSplitter) Push(delta string) []string {
	s.buf.WriteString(delta)

	var out []string
	for {
		text := s.buf.String()
		idx := sentenceBoundary(text, s.minLen)
		if idx < 0 {
			break
		}
		sentence := strings.TrimSpace(text[:idx+1])
		rest := strings.TrimLeft(text[idx+1:], " \t\n\r")
		s.buf.Reset()
		s.buf.WriteString(rest)
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns whatever text remains, trimmed, and resets the splitter.
// Returns "" when nothing meaningful is pending.
func (s *SentenceSplitter) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

// Pending reports whether undelivered text is buffered.
func (s *SentenceSplitter) Pending() bool {
	return strings.TrimSpace(s.buf.String()) != ""
}

// Discard drops any buffered text without yielding it.
func (s *SentenceSplitter) Discard() {
	s.buf.Reset()
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// followed by a whitespace character and closes a prefix of at least minLen
// non-space characters. Returns -1 when no such boundary exists yet.
func sentenceBoundary(s string, minLen int) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				if len(strings.TrimSpace(s[:i+1])) >= minLen {
					return i
				}
			}
		}
	}
	return -1
}
