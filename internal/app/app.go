// Package app wires configuration, the AI provider, the vector index, and
// the pipeline into a ready-to-use application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sibyl-ai/sibyl/db"
	"github.com/sibyl-ai/sibyl/internal/answer"
	"github.com/sibyl-ai/sibyl/internal/chunk"
	"github.com/sibyl-ai/sibyl/internal/config"
	"github.com/sibyl-ai/sibyl/internal/embed"
	"github.com/sibyl-ai/sibyl/internal/index"
	"github.com/sibyl-ai/sibyl/internal/observability"
	"github.com/sibyl-ai/sibyl/internal/retrieval"
)

// App holds the wired application.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Index        index.Index
	Retriever    *retrieval.Retriever
	Orchestrator *answer.Orchestrator

	cleanups []func(context.Context) error
}

// Setup wires everything from configuration. Provider and backend names were
// validated by config.Load, so an unknown value here is a programming error.
// The returned App must be Closed to flush traces and release the database
// pool.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	app.cleanups = append(app.cleanups, shutdown)

	g, embedder, err := setupProvider(ctx, cfg, logger)
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	embedClient, err := embed.New(embed.Config{
		Embedder:  embedder,
		Provider:  cfg.Provider,
		Dimension: cfg.EmbedDimension,
		RPS:       cfg.EmbedRPS,
		Logger:    logger,
	})
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	idx, err := app.setupIndex(ctx, cfg, logger)
	if err != nil {
		app.close(ctx)
		return nil, err
	}
	app.Index = idx

	splitter, err := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("creating splitter: %w", err)
	}

	app.Retriever, err = retrieval.New(retrieval.Config{
		Splitter:  splitter,
		Embedder:  embedClient,
		Index:     idx,
		BatchSize: cfg.EmbedBatchSize,
		FanOut:    cfg.IngestFanOut,
		Logger:    logger,
	})
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	generator, err := answer.NewGenkitGenerator(g, modelName(cfg))
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("creating generator: %w", err)
	}

	app.Orchestrator, err = answer.New(answer.Config{
		Retriever:   app.Retriever,
		Generator:   generator,
		Provider:    cfg.Provider,
		DefaultTopK: cfg.DefaultTopK,
		Hooks:       observability.NewHooks(),
		Logger:      logger,
	})
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	return app, nil
}

// Close releases resources in reverse wiring order.
func (a *App) Close(ctx context.Context) error {
	return a.close(ctx)
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

// setupProvider initializes genkit with the configured plugin and returns the
// registered embedder. API keys (GEMINI_API_KEY, OPENAI_API_KEY) are read by
// the plugins from the environment.
func setupProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, ai.Embedder, error) {
	var (
		g        *genkit.Genkit
		embedder ai.Embedder
	)

	switch cfg.Provider {
	case config.ProviderOllama:
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no auto-discovery; model and embedder need explicit
		// registration.
		plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.ModelName, Type: "chat"}, nil)
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder = ollama.Embedder(g, cfg.OllamaHost)
		logger.Info("initialized ollama provider", "model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with openai provider")
		}
		embedder = genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
		logger.Info("initialized openai provider", "model", cfg.ModelName)

	case config.ProviderGemini:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with gemini provider")
		}
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		logger.Info("initialized gemini provider", "model", cfg.ModelName)

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidProvider, cfg.Provider)
	}

	if embedder == nil {
		return nil, nil, fmt.Errorf("provider %q did not register embedder %q", cfg.Provider, cfg.EmbedderModel)
	}
	return g, embedder, nil
}

// modelName qualifies the configured model with its plugin namespace unless
// the user already did.
func modelName(cfg *config.Config) string {
	if strings.Contains(cfg.ModelName, "/") {
		return cfg.ModelName
	}
	switch cfg.Provider {
	case config.ProviderOllama:
		return "ollama/" + cfg.ModelName
	case config.ProviderOpenAI:
		return "openai/" + cfg.ModelName
	default:
		return "googleai/" + cfg.ModelName
	}
}

// setupIndex constructs the configured index variant and ensures it exists.
func (a *App) setupIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) (index.Index, error) {
	var idx index.Index

	switch cfg.IndexBackend {
	case config.BackendOpenSearch:
		os, err := index.NewOpenSearch(index.OpenSearchConfig{
			BaseURL:   cfg.OpenSearchURL,
			Name:      cfg.IndexName,
			Dimension: cfg.EmbedDimension,
			Username:  cfg.OpenSearchUser,
			Password:  cfg.OpenSearchPassword,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating opensearch index: %w", err)
		}
		idx = os

	case config.BackendPgvector:
		if err := db.Migrate(cfg.PostgresURL, logger); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("creating connection pool: %w", err)
		}
		a.cleanups = append(a.cleanups, func(context.Context) error {
			pool.Close()
			return nil
		})
		pg, err := index.NewPgvector(pool, cfg.IndexName, cfg.EmbedDimension, logger)
		if err != nil {
			return nil, fmt.Errorf("creating pgvector index: %w", err)
		}
		idx = pg

	case config.BackendMemory:
		idx = index.NewMemory(cfg.EmbedDimension)

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.IndexBackend)
	}

	if err := idx.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("ensuring index %q: %w", cfg.IndexName, err)
	}
	return idx, nil
}
