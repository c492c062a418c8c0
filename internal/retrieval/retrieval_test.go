package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sibyl-ai/sibyl/internal/chunk"
	"github.com/sibyl-ai/sibyl/internal/index"
)

// fakeEmbedder returns a deterministic unit vector per text so tests can
// assert order preservation without a provider.
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	batchErr error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1, 0}
	}
	return vecs, nil
}

// fakeIndex records inserts and serves canned search hits.
type fakeIndex struct {
	mu        sync.Mutex
	records   []index.Record
	insertErr error
	hits      []index.Hit
	searchErr error
	searched  bool
}

func (f *fakeIndex) Ensure(context.Context) error { return nil }

func (f *fakeIndex) BulkInsert(_ context.Context, records []index.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		var partial *index.PartialInsertError
		if errors.As(f.insertErr, &partial) {
			kept := records[:partial.Inserted]
			f.records = append(f.records, kept...)
			return partial.Inserted, f.insertErr
		}
		return 0, f.insertErr
	}
	f.records = append(f.records, records...)
	return len(records), nil
}

func (f *fakeIndex) Search(context.Context, []float32, int) ([]index.Hit, error) {
	f.mu.Lock()
	f.searched = true
	f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func (f *fakeIndex) DeleteAll(context.Context) error       { return nil }
func (f *fakeIndex) Stats(context.Context) (index.Stats, error) { return index.Stats{}, nil }
func (f *fakeIndex) Refresh(context.Context) error         { return nil }

func newTestRetriever(t *testing.T, emb *fakeEmbedder, idx *fakeIndex) *Retriever {
	t.Helper()
	splitter, err := chunk.New(50, 10)
	if err != nil {
		t.Fatalf("chunk.New() error: %v", err)
	}
	r, err := New(Config{
		Splitter:  splitter,
		Embedder:  emb,
		Index:     idx,
		BatchSize: 4,
		FanOut:    2,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r
}

func TestIngestMetadataAndOrdering(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	r := newTestRetriever(t, emb, idx)

	text := strings.Repeat("alpha beta gamma delta ", 10)
	result, err := r.Ingest(context.Background(), []Document{{Source: "guide.md", Text: text}})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if result.Documents != 1 {
		t.Errorf("Documents = %d, want 1", result.Documents)
	}
	if result.Chunks == 0 || result.Inserted != result.Chunks {
		t.Errorf("Chunks/Inserted = %d/%d, want equal and nonzero", result.Chunks, result.Inserted)
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v, want none", result.Failed)
	}
	if len(idx.records) != result.Chunks {
		t.Fatalf("index holds %d records, want %d", len(idx.records), result.Chunks)
	}

	total := fmt.Sprint(result.Chunks)
	for i, rec := range idx.records {
		if rec.ID == "" {
			t.Errorf("record %d has empty ID", i)
		}
		if got := rec.Metadata["source"]; got != "guide.md" {
			t.Errorf("record %d source = %q", i, got)
		}
		if got := rec.Metadata["chunk_index"]; got != fmt.Sprint(i) {
			t.Errorf("record %d chunk_index = %q, want %d", i, got, i)
		}
		if got := rec.Metadata["chunk_total"]; got != total {
			t.Errorf("record %d chunk_total = %q, want %s", i, got, total)
		}
		if rec.Metadata["document_id"] == "" {
			t.Errorf("record %d has empty document_id", i)
		}
	}
}

func TestIngestInheritsDocumentMetadata(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	r := newTestRetriever(t, emb, idx)

	doc := Document{
		Source: "guide.md",
		Title:  "Operations Guide",
		Text:   strings.Repeat("alpha beta gamma delta ", 10),
		Metadata: map[string]string{
			"team":        "platform",
			"lang":        "en",
			"chunk_index": "forged", // generated keys win over caller keys
		},
	}
	result, err := r.Ingest(context.Background(), []Document{doc})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if len(idx.records) != result.Chunks {
		t.Fatalf("index holds %d records, want %d", len(idx.records), result.Chunks)
	}

	for i, rec := range idx.records {
		if got := rec.Metadata["title"]; got != "Operations Guide" {
			t.Errorf("record %d title = %q", i, got)
		}
		if got := rec.Metadata["team"]; got != "platform" {
			t.Errorf("record %d team = %q", i, got)
		}
		if got := rec.Metadata["lang"]; got != "en" {
			t.Errorf("record %d lang = %q", i, got)
		}
		if got := rec.Metadata["chunk_index"]; got != fmt.Sprint(i) {
			t.Errorf("record %d chunk_index = %q, want %d", i, got, i)
		}
	}
	// The document's own metadata map must stay untouched.
	if doc.Metadata["chunk_index"] != "forged" || len(doc.Metadata) != 3 {
		t.Errorf("document metadata mutated: %v", doc.Metadata)
	}
}

func TestIngestBatchesEmbeddingCalls(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	r := newTestRetriever(t, emb, idx)

	// Enough text for well over one batch of 4 chunks.
	text := strings.Repeat("one two three four five six seven eight nine ten ", 10)
	result, err := r.Ingest(context.Background(), []Document{{Source: "big.md", Text: text}})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	wantCalls := (result.Chunks + 3) / 4
	if emb.calls != wantCalls {
		t.Errorf("embedder called %d times for %d chunks, want %d", emb.calls, result.Chunks, wantCalls)
	}
}

func TestIngestMultipleDocuments(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	r := newTestRetriever(t, emb, idx)

	docs := []Document{
		{Source: "a.md", Text: "short document a"},
		{Source: "b.md", Text: "short document b"},
		{Source: "c.md", Text: "short document c"},
	}
	result, err := r.Ingest(context.Background(), docs)
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if result.Documents != 3 || result.Chunks != 3 || result.Inserted != 3 {
		t.Errorf("result = %+v, want 3 documents, 3 chunks, 3 inserted", result)
	}

	sources := map[string]bool{}
	for _, rec := range idx.records {
		sources[rec.Metadata["source"]] = true
	}
	if len(sources) != 3 {
		t.Errorf("sources = %v, want all three", sources)
	}
}

func TestIngestEmptyInput(t *testing.T) {
	r := newTestRetriever(t, &fakeEmbedder{}, &fakeIndex{})

	result, err := r.Ingest(context.Background(), nil)
	if err != nil {
		t.Fatalf("Ingest(nil) error: %v", err)
	}
	if result.Documents != 0 || result.Chunks != 0 || result.Inserted != 0 || len(result.Failed) != 0 {
		t.Errorf("Ingest(nil) = %+v, want zero result", result)
	}
}

func TestIngestPartialInsertAccumulated(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{
		insertErr: &index.PartialInsertError{
			Inserted: 0,
			Failed:   []index.FailedRecord{{ID: "x", Reason: "mapping conflict"}},
		},
	}
	r := newTestRetriever(t, emb, idx)

	result, err := r.Ingest(context.Background(), []Document{{Source: "a.md", Text: "tiny"}})
	if err != nil {
		t.Fatalf("Ingest() with partial failures must not error, got: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0].Reason != "mapping conflict" {
		t.Errorf("Failed = %v, want the rejected record", result.Failed)
	}
}

func TestIngestEmbeddingFailureAborts(t *testing.T) {
	wantErr := &fakeProviderError{}
	emb := &fakeEmbedder{batchErr: wantErr}
	r := newTestRetriever(t, emb, &fakeIndex{})

	_, err := r.Ingest(context.Background(), []Document{{Source: "a.md", Text: "tiny"}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Ingest() error = %v, want the embedding failure", err)
	}
}

type fakeProviderError struct{}

func (*fakeProviderError) Error() string { return "provider unavailable" }

func TestRetrieveScoreInversion(t *testing.T) {
	idx := &fakeIndex{hits: []index.Hit{
		{Text: "best", Metadata: map[string]string{"source": "a.md"}, Similarity: 0.9},
		{Text: "good", Metadata: map[string]string{"source": "b.md"}, Similarity: 0.7},
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, idx)

	results, err := r.Retrieve(context.Background(), "question", 2)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Retrieve() returned %d results, want 2", len(results))
	}

	wantScores := []float64{0.1, 0.3}
	for i, want := range wantScores {
		if diff := results[i].Score - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("result[%d].Score = %f, want %f", i, results[i].Score, want)
		}
	}
	// Best-first from the index means ascending score here.
	for i := 1; i < len(results); i++ {
		if results[i].Score < results[i-1].Score {
			t.Errorf("results not ascending by score at %d", i)
		}
	}
}

func TestRetrieveZeroKSkipsPipeline(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{hits: []index.Hit{{Text: "ignored", Similarity: 1}}}
	r := newTestRetriever(t, emb, idx)

	results, err := r.Retrieve(context.Background(), "question", 0)
	if err != nil {
		t.Fatalf("Retrieve(k=0) error: %v", err)
	}
	if results != nil {
		t.Errorf("Retrieve(k=0) = %v, want nil", results)
	}
	if emb.calls != 0 {
		t.Error("Retrieve(k=0) must not embed the query")
	}
	if idx.searched {
		t.Error("Retrieve(k=0) must not hit the index")
	}
}

func TestRetrieveSearchFailurePropagates(t *testing.T) {
	idx := &fakeIndex{searchErr: &index.SearchError{Backend: "memory", Err: errors.New("down")}}
	r := newTestRetriever(t, &fakeEmbedder{}, idx)

	_, err := r.Retrieve(context.Background(), "question", 5)
	var searchErr *index.SearchError
	if !errors.As(err, &searchErr) {
		t.Fatalf("Retrieve() error = %v, want *index.SearchError", err)
	}
}

func TestRetrieveEmptyResultIsValid(t *testing.T) {
	r := newTestRetriever(t, &fakeEmbedder{}, &fakeIndex{})

	results, err := r.Retrieve(context.Background(), "question", 5)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Retrieve() = %v, want empty", results)
	}
}
