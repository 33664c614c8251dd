// Package mock provides a mock embeddings provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/threadloom/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock embeddings.Provider that records calls and returns
// deterministic vectors.
type Provider struct {
	mu sync.Mutex

	// Dims is the dimensionality of returned vectors. Defaults to 4.
	Dims int
	// Err, when set, is returned by Embed and EmbedBatch.
	Err error
	// EmbedFunc, when set, overrides the default vector generation.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedCalls records every text passed to Embed or EmbedBatch.
	EmbedCalls []string
}

// NewProvider returns a mock Provider with 4-dimensional vectors.
func NewProvider() *Provider {
	return &Provider{Dims: 4}
}

// Embed implements embeddings.Provider. By default it returns a vector
// derived from the text length so distinct inputs produce distinct vectors.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	p.mu.Unlock()

	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, text)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	vec := make([]float32, p.dims())
	for i := range vec {
		vec[i] = float32(len(text)%(i+7)) / 7
	}
	return vec, nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embeddings" }

func (p *Provider) dims() int {
	if p.Dims <= 0 {
		return 4
	}
	return p.Dims
}

// CallCount returns the number of Embed calls recorded.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}
