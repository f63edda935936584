package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// MockProvider generates deterministic embeddings for testing. Unrelated
// texts map to near-orthogonal unit vectors; tests that need controlled
// similarity can register explicit vectors.
type MockProvider struct {
	dimension int
	mu        sync.Mutex
	fixed     map[string][]float32
	calls     int
}

func NewMockProvider(dimension int) *MockProvider {
	return &MockProvider{
		dimension: dimension,
		fixed:     make(map[string][]float32),
	}
}

func (p *MockProvider) Dimension() int {
	return p.dimension
}

func (p *MockProvider) Model() string {
	// Dimension is part of the identity so tests can exercise the
	// model-change path by reopening with a different size.
	return fmt.Sprintf("mock-embedder-%dd", p.dimension)
}

// Register pins the vector returned for a text. The vector is normalized.
func (p *MockProvider) Register(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixed[text] = normalize(vec)
}

// Calls returns how many embeddings were generated (cache-miss count).
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	if vec, ok := p.fixed[text]; ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}

	// Seed a PRNG from the text so repeated calls agree.
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, p.dimension)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return normalize(vec), nil
}

func (p *MockProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
