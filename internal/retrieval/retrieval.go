// Package retrieval ties chunking, embedding, and the vector index into the
// two pipeline halves: ingesting documents and retrieving scored chunks for
// a query.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sibyl-ai/sibyl/internal/chunk"
	"github.com/sibyl-ai/sibyl/internal/embed"
	"github.com/sibyl-ai/sibyl/internal/index"
)

// Document is one source text submitted for ingestion. Source identifies
// where the text came from (a file path, a URL) and travels with every chunk
// so answers can cite it.
//
// Metadata is inherited by every chunk record, with no schema enforced. The
// pipeline itself reads only "source" and "title"; all other keys pass
// through to the index opaquely.
type Document struct {
	Source   string
	Title    string
	Text     string
	Metadata map[string]string
}

// IngestResult accounts for one Ingest call. Failed holds records the index
// rejected; everything counted in Inserted stays inserted regardless.
type IngestResult struct {
	Documents int
	Chunks    int
	Inserted  int
	Failed    []index.FailedRecord
}

// Result is one retrieved chunk. Score is a distance: 1 - similarity, so
// lower is better and 0 is a perfect match. Results arrive in the index's
// best-first order and are never re-sorted here.
type Result struct {
	Text     string
	Metadata map[string]string
	Score    float64
}

// Config contains the retriever's collaborators and tuning knobs.
type Config struct {
	Splitter *chunk.Splitter
	Embedder embed.Client
	Index    index.Index

	// BatchSize bounds chunks per embedding call. Zero uses 64.
	BatchSize int
	// FanOut bounds documents processed concurrently. Zero uses 4.
	FanOut int

	Logger *slog.Logger // nil = slog.Default()
}

// Retriever runs the ingestion and retrieval halves of the pipeline.
// Safe for concurrent use.
type Retriever struct {
	splitter  *chunk.Splitter
	embedder  embed.Client
	index     index.Index
	batchSize int
	fanOut    int
	logger    *slog.Logger
}

// New creates a Retriever.
func New(cfg Config) (*Retriever, error) {
	if cfg.Splitter == nil {
		return nil, errors.New("splitter is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("index is required")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Retriever{
		splitter:  cfg.Splitter,
		embedder:  cfg.Embedder,
		index:     cfg.Index,
		batchSize: batchSize,
		fanOut:    fanOut,
		logger:    logger,
	}, nil
}

// Ingest chunks, embeds, and inserts the documents. Documents fan out across
// a bounded worker group; chunks within a document keep their order, and each
// record's metadata carries the document's own metadata plus its source,
// title, document ID, and position.
//
// Index-side rejections of individual records are accumulated into the
// result rather than failing the call; embedding failures and index
// connectivity failures abort it.
func (r *Retriever) Ingest(ctx context.Context, docs []Document) (IngestResult, error) {
	if len(docs) == 0 {
		return IngestResult{}, nil
	}

	var (
		mu     sync.Mutex
		result = IngestResult{Documents: len(docs)}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanOut)

	for _, doc := range docs {
		g.Go(func() error {
			chunks, inserted, failed, err := r.ingestOne(ctx, doc)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Chunks += chunks
			result.Inserted += inserted
			result.Failed = append(result.Failed, failed...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return IngestResult{}, err
	}

	r.logger.Info("ingested documents",
		"documents", result.Documents,
		"chunks", result.Chunks,
		"inserted", result.Inserted,
		"failed", len(result.Failed))
	return result, nil
}

// ingestOne processes a single document: split, embed batch by batch, insert.
func (r *Retriever) ingestOne(ctx context.Context, doc Document) (chunks, inserted int, failed []index.FailedRecord, err error) {
	pieces := r.splitter.Split(doc.Text)
	if len(pieces) == 0 {
		return 0, 0, nil, nil
	}

	docID := uuid.NewString()
	now := time.Now().UTC()

	for start := 0; start < len(pieces); start += r.batchSize {
		end := min(start+r.batchSize, len(pieces))
		batch := pieces[start:end]

		vecs, err := r.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return 0, inserted, failed, fmt.Errorf("embedding %q: %w", doc.Source, err)
		}

		records := make([]index.Record, len(batch))
		for i, text := range batch {
			// Inherited document metadata first; the positional keys the
			// pipeline generates always win on collision.
			meta := make(map[string]string, len(doc.Metadata)+5)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			if doc.Title != "" {
				meta["title"] = doc.Title
			}
			meta["source"] = doc.Source
			meta["document_id"] = docID
			meta["chunk_index"] = strconv.Itoa(start + i)
			meta["chunk_total"] = strconv.Itoa(len(pieces))

			records[i] = index.Record{
				ID:        uuid.NewString(),
				Embedding: vecs[i],
				Text:      text,
				Metadata:  meta,
				CreatedAt: now,
			}
		}

		n, err := r.index.BulkInsert(ctx, records)
		inserted += n
		if err != nil {
			var partial *index.PartialInsertError
			if errors.As(err, &partial) {
				failed = append(failed, partial.Failed...)
				continue
			}
			return 0, inserted, failed, fmt.Errorf("inserting chunks of %q: %w", doc.Source, err)
		}
	}

	return len(pieces), inserted, failed, nil
}

// Retrieve embeds the query and returns up to k scored chunks. k <= 0 skips
// embedding and search entirely and returns nothing; an empty result from a
// healthy search is a valid answer, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			Text:     h.Text,
			Metadata: h.Metadata,
			Score:    1 - h.Similarity,
		}
	}
	return results, nil
}
