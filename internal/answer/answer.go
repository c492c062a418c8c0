// Package answer orchestrates the query half of the pipeline: retrieve,
// assemble context, generate. Both entrypoints run the same state
// progression; Stream additionally relays model output as it arrives.
//
// This layer performs no retries. Typed errors from the collaborators pass
// through so callers own retry policy.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sibyl-ai/sibyl/internal/config"
	"github.com/sibyl-ai/sibyl/internal/observability"
	"github.com/sibyl-ai/sibyl/internal/prompt"
	"github.com/sibyl-ai/sibyl/internal/retrieval"
)

// Cause tags on GenerationError, chosen so callers can decide retry policy
// without parsing provider messages.
const (
	CauseRateLimited    = "rate_limited"
	CauseInvalidRequest = "invalid_request"
	CauseProvider       = "provider"
)

// GenerationError is a failure reported by the language model provider.
type GenerationError struct {
	Provider string
	Cause    string // one of the Cause* constants
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating with %q (%s): %v", e.Provider, e.Cause, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retriever is the query-side capability the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Result, error)
}

// Generator produces model output for a prompt. A non-nil stream callback
// receives text fragments as the model emits them; the returned string is
// always the complete response.
type Generator interface {
	Generate(ctx context.Context, promptText string, stream func(context.Context, string) error) (string, error)
}

// GenkitGenerator implements Generator on a genkit instance and model name.
type GenkitGenerator struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitGenerator creates a Generator for the named model, e.g.
// "googleai/gemini-2.0-flash".
func NewGenkitGenerator(g *genkit.Genkit, model string) (*GenkitGenerator, error) {
	if g == nil {
		return nil, errors.New("genkit instance is required")
	}
	if model == "" {
		return nil, errors.New("model name is required")
	}
	return &GenkitGenerator{g: g, model: model}, nil
}

// Generate runs the model, streaming fragments into the callback when one is
// given.
func (gg *GenkitGenerator) Generate(ctx context.Context, promptText string, stream func(context.Context, string) error) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(gg.model),
		ai.WithPrompt(promptText),
	}
	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			return stream(ctx, chunk.Text())
		}))
	}

	resp, err := genkit.Generate(ctx, gg.g, opts...)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Options tunes a single question.
type Options struct {
	// TopK is how many chunks to retrieve. Nil uses the configured default;
	// zero or negative means "no retrieval", which degrades to the
	// no-context branch.
	TopK *int

	// Provider selects a registered generator by provider name. Empty uses
	// the default provider; an unregistered name is a config error.
	Provider string
}

// Result is a completed blocking answer.
type Result struct {
	Text            string
	Sources         []string
	RelevanceScores []float64
	Provider        string
	Timestamp       time.Time
	Elapsed         time.Duration
}

// ContextInfo is the debug view of what the model would have been shown.
type ContextInfo struct {
	Context       string
	Sources       []string
	DocumentCount int
}

// Config contains the orchestrator's collaborators.
type Config struct {
	Retriever Retriever
	Generator Generator
	Provider  string // provider identity stamped on results and errors

	// Generators holds alternate generators keyed by provider name, for
	// per-question provider selection. The default Generator is always
	// registered under Provider.
	Generators map[string]Generator

	// DefaultTopK applies when Options.TopK is nil. Zero means no
	// retrieval by default.
	DefaultTopK int

	Hooks  *observability.Hooks // nil disables span hooks
	Logger *slog.Logger         // nil = slog.Default()
}

// Orchestrator answers questions over the knowledge base. Safe for
// concurrent use; each call runs its own state progression.
type Orchestrator struct {
	retriever   Retriever
	generators  map[string]Generator
	provider    string
	defaultTopK int
	hooks       *observability.Hooks
	logger      *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if cfg.Provider == "" {
		return nil, errors.New("provider name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	generators := make(map[string]Generator, len(cfg.Generators)+1)
	for name, gen := range cfg.Generators {
		generators[name] = gen
	}
	generators[cfg.Provider] = cfg.Generator

	return &Orchestrator{
		retriever:   cfg.Retriever,
		generators:  generators,
		provider:    cfg.Provider,
		defaultTopK: cfg.DefaultTopK,
		hooks:       cfg.Hooks,
		logger:      logger,
	}, nil
}

func (o *Orchestrator) topK(opts Options) int {
	if opts.TopK == nil {
		return o.defaultTopK
	}
	return *opts.TopK
}

// resolveGenerator picks the generator for a question. Provider selection
// happens here, once per question, so an unknown name fails before any
// retrieval work.
func (o *Orchestrator) resolveGenerator(opts Options) (string, Generator, error) {
	name := opts.Provider
	if name == "" {
		name = o.provider
	}
	gen, ok := o.generators[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", config.ErrInvalidProvider, name)
	}
	return name, gen, nil
}

// prepare runs retrieval and context assembly, the shared front half of both
// entrypoints.
func (o *Orchestrator) prepare(ctx context.Context, question string, k int) (contextBlock string, sources []string, scores []float64, err error) {
	rctx, finish := o.hooks.Span(ctx, "retrieve", attribute.Int("k", k))
	results, err := o.retriever.Retrieve(rctx, question, k)
	finish(err)
	if err != nil {
		return "", nil, nil, err
	}

	_, finish = o.hooks.Span(ctx, "assemble_context", attribute.Int("chunks", len(results)))
	contextBlock = prompt.FormatContext(results)
	sources = prompt.ExtractSources(results)
	scores = make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	finish(nil)

	if len(results) == 0 {
		o.logger.Debug("no relevant chunks, answering without context", "question_len", len(question))
	}
	return contextBlock, sources, scores, nil
}

// Answer runs the full pipeline and blocks until the model finishes.
func (o *Orchestrator) Answer(ctx context.Context, question string, opts Options) (*Result, error) {
	started := time.Now()

	provider, generator, err := o.resolveGenerator(opts)
	if err != nil {
		return nil, err
	}

	contextBlock, sources, scores, err := o.prepare(ctx, question, o.topK(opts))
	if err != nil {
		return nil, err
	}

	gctx, finish := o.hooks.Span(ctx, "generate", attribute.String("provider", provider))
	text, err := generator.Generate(gctx, prompt.Build(question, contextBlock), nil)
	finish(err)
	if err != nil {
		return nil, o.wrapGeneration(provider, err)
	}

	elapsed := time.Since(started)
	o.logger.Info("answered question",
		"provider", provider,
		"sources", len(sources),
		"elapsed", elapsed)

	return &Result{
		Text:            text,
		Sources:         sources,
		RelevanceScores: scores,
		Provider:        provider,
		Timestamp:       started.UTC(),
		Elapsed:         elapsed,
	}, nil
}

// Context returns the assembled context without generating, for inspection.
func (o *Orchestrator) Context(ctx context.Context, question string, maxDocs int) (*ContextInfo, error) {
	if maxDocs == 0 {
		maxDocs = o.defaultTopK
	}

	results, err := o.retriever.Retrieve(ctx, question, maxDocs)
	if err != nil {
		return nil, err
	}
	return &ContextInfo{
		Context:       prompt.FormatContext(results),
		Sources:       prompt.ExtractSources(results),
		DocumentCount: len(results),
	}, nil
}

// wrapGeneration maps a provider failure into a tagged GenerationError.
// Context errors pass through untagged so callers can still errors.Is them.
func (o *Orchestrator) wrapGeneration(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("generation: %w", err)
	}
	return &GenerationError{Provider: provider, Cause: classify(err), Err: err}
}

// classify tags a provider error by its reported cause. Providers surface
// these as message text, not types, so matching is necessarily lexical.
func classify(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "429"):
		return CauseRateLimited
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "400"):
		return CauseInvalidRequest
	default:
		return CauseProvider
	}
}
