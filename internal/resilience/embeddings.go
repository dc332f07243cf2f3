package resilience

import (
	"context"

	"github.com/dmdzco/donna2/pkg/provider/embeddings"
)

// RetryingEmbedder implements [embeddings.Provider] with retries around
// the network calls. Memory writes happen off the hot path, so a couple
// of extra attempts against a flaky embedding backend cost nothing the
// caller notices and save the memory from being dropped.
type RetryingEmbedder struct {
	inner embeddings.Provider
	name  string
}

var _ embeddings.Provider = (*RetryingEmbedder)(nil)

// NewRetryingEmbedder wraps provider. name labels retry log messages.
func NewRetryingEmbedder(provider embeddings.Provider, name string) *RetryingEmbedder {
	return &RetryingEmbedder{inner: provider, name: name}
}

func (e *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := Retry(ctx, e.retryConfig(), func(ctx context.Context) error {
		var err error
		vec, err = e.inner.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (e *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := Retry(ctx, e.retryConfig(), func(ctx context.Context) error {
		var err error
		vecs, err = e.inner.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, err
}

func (e *RetryingEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *RetryingEmbedder) ModelID() string { return e.inner.ModelID() }

func (e *RetryingEmbedder) retryConfig() RetryConfig {
	return RetryConfig{Name: "embed " + e.name}
}
