package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// MockEngine is a deterministic offline engine for tests. It hashes
// word and character bigrams into a fixed-width vector, so identical
// texts embed identically and texts sharing vocabulary land close in
// cosine space. Document and query tasks produce the same vector,
// which keeps round-trip recall exact.
type MockEngine struct {
	dims int

	// EmbedFunc, when set, overrides the default embedding entirely.
	EmbedFunc func(ctx context.Context, text string, task Task) ([]float32, error)
}

// NewMockEngine creates a mock engine with the given dimensionality.
func NewMockEngine(dims int) *MockEngine {
	if dims <= 0 {
		dims = 64
	}
	return &MockEngine{dims: dims}
}

// Embed generates a deterministic embedding.
func (e *MockEngine) Embed(ctx context.Context, text string, task Task) ([]float32, error) {
	if e.EmbedFunc != nil {
		return e.EmbedFunc(ctx, text, task)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dims)
	for _, token := range tokens(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dims))
		// Alternate sign by a second hash bit so vectors spread
		// across the space instead of piling into one orthant.
		if sum&0x10000 != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	// L2 normalize so cosine similarity is a plain dot product.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *MockEngine) EmbedBatch(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t, task)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (e *MockEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *MockEngine) Name() string {
	return "mock"
}

// tokens splits text into lowercase words plus character bigrams of
// each word, giving the hash some sub-word sensitivity.
func tokens(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(words)*3)
	for _, w := range words {
		out = append(out, w)
		runes := []rune(w)
		for i := 0; i+1 < len(runes); i++ {
			out = append(out, string(runes[i:i+2]))
		}
	}
	return out
}
