package retrieval

import (
	"io"
	"strings"

	"ragserve/internal/llm"
)

// textStreamChunk is how many runes each fragment of a synthetic stream
// carries.
const textStreamChunk = 64

// TextStream replays a fixed text as a token stream, for answers produced
// without a model call.
type TextStream struct {
	fragments []string
	pos       int
}

// NewTextStream chunks text by runes so multi-byte characters never split
// across fragments.
func NewTextStream(text string) *TextStream {
	var fragments []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += textStreamChunk {
		end := start + textStreamChunk
		if end > len(runes) {
			end = len(runes)
		}
		fragments = append(fragments, string(runes[start:end]))
	}
	return &TextStream{fragments: fragments}
}

// Next returns the following fragment, io.EOF once drained.
func (s *TextStream) Next() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	fragment := s.fragments[s.pos]
	s.pos++
	return fragment, nil
}

// Close is a no-op; the stream holds no resources.
func (s *TextStream) Close() error { return nil }

// Collect drains a stream into one string and closes it.
func Collect(stream llm.TokenStream) (string, error) {
	defer stream.Close()
	var b strings.Builder
	for {
		fragment, err := stream.Next()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(fragment)
	}
}
