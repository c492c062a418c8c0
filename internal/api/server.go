// Package api exposes the pipeline over HTTP.
//
// Endpoints:
//
//	POST   /api/ingest       ingest documents
//	POST   /api/query        answer a question (JSON, or SSE when streaming)
//	GET    /api/context      inspect the assembled context for a question
//	GET    /api/index/stats  index size
//	DELETE /api/index        drop the index
//	GET    /health           liveness probe
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sibyl-ai/sibyl/internal/answer"
	"github.com/sibyl-ai/sibyl/internal/index"
	"github.com/sibyl-ai/sibyl/internal/retrieval"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:3900"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout bounds reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout = 120 * time.Second
)

// Ingestor is the ingestion capability the API needs.
type Ingestor interface {
	Ingest(ctx context.Context, docs []retrieval.Document) (retrieval.IngestResult, error)
}

// Answerer is the query capability the API needs.
type Answerer interface {
	Answer(ctx context.Context, question string, opts answer.Options) (*answer.Result, error)
	Stream(ctx context.Context, question string, opts answer.Options) <-chan answer.Event
	Context(ctx context.Context, question string, maxDocs int) (*answer.ContextInfo, error)
}

// Server is the HTTP server for the REST API.
type Server struct {
	mux      *http.ServeMux
	ingestor Ingestor
	answerer Answerer
	index    index.Index
	logger   *slog.Logger
}

// NewServer creates a server with all routes registered.
func NewServer(ingestor Ingestor, answerer Answerer, idx index.Index, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mux:      http.NewServeMux(),
		ingestor: ingestor,
		answerer: answerer,
		index:    idx,
		logger:   logger,
	}

	s.mux.HandleFunc("POST /api/ingest", s.handleIngest)
	s.mux.HandleFunc("POST /api/query", s.handleQuery)
	s.mux.HandleFunc("GET /api/context", s.handleContext)
	s.mux.HandleFunc("GET /api/index/stats", s.handleIndexStats)
	s.mux.HandleFunc("DELETE /api/index", s.handleIndexDelete)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// Handler returns the handler with middleware applied, recovery outermost.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, s.recoveryMiddleware, s.loggingMiddleware)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
//
// WriteTimeout is deliberately unset: streamed answers hold the response
// open for as long as generation runs, bounded by the request context
// instead.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
