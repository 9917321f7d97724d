package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"sync"
)

// ============================================================================
// MOCK CHAT
// ============================================================================

// MockChat is a deterministic ChatClient for tests and offline development.
// Replies are chosen by substring match on the last user message, falling
// back to Default.
type MockChat struct {
	mu        sync.Mutex
	Rules     map[string]string
	Default   string
	Err       error
	ChunkSize int
	Calls     []ChatRequest
}

// NewMockChat builds a mock that answers Default for everything.
func NewMockChat(defaultReply string) *MockChat {
	return &MockChat{
		Rules:     make(map[string]string),
		Default:   defaultReply,
		ChunkSize: 4,
	}
}

// On registers a reply for requests whose last user message contains the
// given fragment.
func (m *MockChat) On(fragment, reply string) *MockChat {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rules[fragment] = reply
	return m
}

// Available always reports true unless an error is scripted.
func (m *MockChat) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err == nil
}

// Complete returns the scripted reply for the request.
func (m *MockChat) Complete(ctx context.Context, req ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return "", m.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.pick(req), nil
}

// Stream chunks the scripted reply into fixed-size rune groups.
func (m *MockChat) Stream(ctx context.Context, req ChatRequest) (TokenStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := m.ChunkSize
	if size <= 0 {
		size = 4
	}
	return &mockStream{ctx: ctx, runes: []rune(m.pick(req)), size: size}, nil
}

func (m *MockChat) pick(req ChatRequest) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	for fragment, reply := range m.Rules {
		if strings.Contains(last, fragment) || strings.Contains(req.System, fragment) {
			return reply
		}
	}
	return m.Default
}

type mockStream struct {
	ctx   context.Context
	runes []rune
	size  int
	pos   int
}

func (s *mockStream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.runes) {
		return "", io.EOF
	}
	end := s.pos + s.size
	if end > len(s.runes) {
		end = len(s.runes)
	}
	chunk := string(s.runes[s.pos:end])
	s.pos = end
	return chunk, nil
}

func (s *mockStream) Close() error { return nil }

// ============================================================================
// MOCK EMBEDDER
// ============================================================================

// MockEmbedder derives unit vectors from a text hash, so equal texts embed
// identically and distinct texts land far apart. Aliases can pin two texts
// to the same vector to simulate semantic matches.
type MockEmbedder struct {
	mu      sync.Mutex
	dim     int
	Aliases map[string]string
	Err     error
	Calls   int
}

// NewMockEmbedder builds a mock producing vectors of the given dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim, Aliases: make(map[string]string)}
}

// Alias makes text embed exactly like canonical.
func (m *MockEmbedder) Alias(text, canonical string) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Aliases[text] = canonical
	return m
}

// Dim returns the configured dimension.
func (m *MockEmbedder) Dim() int { return m.dim }

// Available reports true unless an error is scripted.
func (m *MockEmbedder) Available(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err == nil
}

// Embed hashes each text into a deterministic unit vector.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if canonical, ok := m.Aliases[text]; ok {
			text = canonical
		}
		out[i] = hashVector(text, m.dim)
	}
	return out, nil
}

// hashVector expands a sha256 digest into a normalized vector.
func hashVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		block := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		bits := binary.BigEndian.Uint32(block[:4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// ============================================================================
// MOCK RERANKER
// ============================================================================

// MockReranker scores documents by naive term overlap with the query.
type MockReranker struct {
	Err   error
	Calls int
}

// Rerank counts shared lowercase terms between query and each document.
func (m *MockReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}
	terms := strings.Fields(strings.ToLower(query))
	results := make([]RerankResult, 0, len(documents))
	for i, doc := range documents {
		lower := strings.ToLower(doc)
		var score float64
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if len(terms) > 0 {
			score /= float64(len(terms))
		}
		results = append(results, RerankResult{Index: i, Score: score})
	}
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Score > results[i].Score {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	return results[:topN], nil
}
