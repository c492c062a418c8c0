// Package embed converts text into fixed-dimension vectors through a
// pluggable embedding provider.
//
// The concrete provider is a Genkit ai.Embedder registered by the configured
// plugin (Google AI, Ollama, OpenAI-compatible); this package owns the error
// taxonomy and the dimension invariant: every vector handed to the index has
// exactly the configured dimension, or the call fails with
// ErrDimensionMismatch. A short dimension is a configuration error, never a
// value to pad or truncate.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
)

// ErrDimensionMismatch indicates the provider returned vectors whose length
// differs from the configured index dimension. Fatal configuration error, not
// a retry case.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ProviderError is a request-scoped failure reported by the embedding
// provider: authentication, quota, or a malformed response. The core performs
// no retries; callers own retry policy.
type ProviderError struct {
	Provider string // provider identity, e.g. "gemini"
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %q: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Client converts text to embeddings. EmbedBatch is semantically identical to
// calling Embed per item; it exists for throughput.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config contains required parameters for the Genkit-backed client.
type Config struct {
	Embedder  ai.Embedder // registered by the provider plugin
	Provider  string      // provider identity for error reporting
	Dimension int         // expected vector dimension

	// RPS caps sustained embedding calls per second. Zero uses a default of
	// 10 req/s with a burst of 20.
	RPS int

	Logger *slog.Logger // nil = slog.Default()
}

// GenkitClient implements Client on top of a Genkit ai.Embedder.
// Safe for concurrent use.
type GenkitClient struct {
	embedder  ai.Embedder
	provider  string
	dimension int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a GenkitClient.
func New(cfg Config) (*GenkitClient, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: configured dimension %d", ErrDimensionMismatch, cfg.Dimension)
	}

	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GenkitClient{
		embedder:  cfg.Embedder,
		provider:  cfg.Provider,
		dimension: cfg.Dimension,
		limiter:   rate.NewLimiter(rate.Limit(rps), 2*rps),
		logger:    logger,
	}, nil
}

// Embed converts a single text into its embedding vector.
func (c *GenkitClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch converts texts into embedding vectors, preserving order. The
// result always has the same length as the input.
func (c *GenkitClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding rate limit: %w", err)
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("embedding call: %w", err)
		}
		return nil, &ProviderError{Provider: c.provider, Err: err}
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, &ProviderError{
			Provider: c.provider,
			Err:      fmt.Errorf("got %d embeddings for %d inputs", len(resp.Embeddings), len(texts)),
		}
	}

	vecs := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Embedding) == 0 {
			return nil, &ProviderError{
				Provider: c.provider,
				Err:      fmt.Errorf("empty embedding at position %d", i),
			}
		}
		if len(e.Embedding) != c.dimension {
			return nil, fmt.Errorf("%w: provider returned %d, index expects %d",
				ErrDimensionMismatch, len(e.Embedding), c.dimension)
		}
		vecs[i] = e.Embedding
	}

	c.logger.Debug("embedded batch", "count", len(texts), "dimension", c.dimension)
	return vecs, nil
}

// Dimension reports the vector dimension this client enforces.
func (c *GenkitClient) Dimension() int { return c.dimension }
