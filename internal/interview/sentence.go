package interview

import "strings"

// splitter accumulates streamed text and cuts it into sentences.
type splitter struct {
	buf strings.Builder
}

// push appends text and returns every sentence completed by it.
func (s *splitter) push(text string) []string {
	if text == "" {
		return nil
	}
	s.buf.WriteString(text)

	var out []string
	for {
		cur := s.buf.String()
		idx := sentenceBoundary(cur)
		if idx < 0 {
			return out
		}
		if sentence := strings.TrimSpace(cur[:idx+1]); sentence != "" {
			out = append(out, sentence)
		}
		s.buf.Reset()
		s.buf.WriteString(strings.TrimLeft(cur[idx+1:], " \t\n\r"))
	}
}

// flush returns the incomplete remainder and clears the buffer.
func (s *splitter) flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// sentenceBoundary returns the index of the first '.', '!' or '?' that is
// immediately followed by whitespace, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
