// Package mock provides a test double for the embeddings.Provider interface.
//
// Tests that only need the memory pipeline to work set EmbedResult to one
// fixed vector; similarity-ranking tests set EmbedFunc to hand out a
// distinct vector per text:
//
//	p := &mock.Provider{EmbedResult: []float32{1, 0, 0}}
//	vec, _ := p.Embed(ctx, "grandson visited on Sunday")
package mock

import (
	"context"
	"sync"

	"github.com/dmdzco/donna2/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, when non-nil, computes the vector for each text. It takes
	// priority over EmbedResult, letting tests return distinct vectors per
	// input for similarity-threshold checks.
	EmbedFunc func(text string) []float32

	// EmbedResult is returned for every text when EmbedFunc is nil.
	EmbedResult []float32

	// Err, if non-nil, fails Embed and EmbedBatch.
	Err error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// Requests records every text submitted for embedding, across both
	// Embed and EmbedBatch, in order.
	Requests []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records text and returns the configured vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch records every text and returns one configured vector per input.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	result := make([][]float32, len(texts))
	for i, t := range texts {
		result[i] = p.vectorFor(t)
	}
	return result, nil
}

// vectorFor must be called with p.mu held.
func (p *Provider) vectorFor(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	return p.EmbedResult
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}
