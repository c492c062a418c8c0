// Package index stores embedded chunks and answers k-NN queries.
//
// The index is treated as an opaque service behind the Index interface; the
// internal data structure belongs to the backend. Three variants exist:
// an HTTP-backed managed search service (OpenSearch), a pgvector-backed
// PostgreSQL table, and an in-memory store for tests.
//
// Score contract: every variant returns Hit.Similarity in [0,1] with higher
// meaning more similar. Backends whose native score is a distance convert
// internally, and each variant's conversion is a tested property — callers
// never need to know which backend answered.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrIndexConfig indicates a fatal index configuration mismatch: an index of
// the same name already exists with a different dimension, or a record/query
// vector does not match the configured dimension. Never a retry case.
var ErrIndexConfig = errors.New("index configuration mismatch")

// SearchError is a request-scoped search failure: connectivity, a malformed
// query, or a backend-side error. Search never maps a failure to an empty
// result, so callers can distinguish "no matches" from "search failed".
type SearchError struct {
	Backend string
	Err     error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("searching %s index: %v", e.Backend, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// FailedRecord identifies a record rejected during a bulk insert.
type FailedRecord struct {
	ID     string
	Reason string
}

// PartialInsertError reports a bulk insert where some records failed
// server-side validation. Non-fatal: successfully inserted records stay
// inserted (no rollback), and callers decide whether to retry the failures.
type PartialInsertError struct {
	Inserted int
	Failed   []FailedRecord
}

func (e *PartialInsertError) Error() string {
	return fmt.Sprintf("bulk insert: %d inserted, %d failed", e.Inserted, len(e.Failed))
}

// Record is the persisted unit inside the index. Created by ingestion, never
// mutated, removed only by whole-index deletion.
type Record struct {
	ID        string
	Embedding []float32
	Text      string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Hit is one k-NN search result in the backend's best-first order.
type Hit struct {
	Text       string
	Metadata   map[string]string
	Similarity float64 // [0,1], higher is better
}

// Stats reports index size. Best-effort: fields may be zero right after
// writes on eventually consistent backends.
type Stats struct {
	RecordCount int64
	SizeBytes   int64
}

// Index is the capability set every vector index variant implements.
// Implementations are safe for concurrent use.
type Index interface {
	// Ensure creates the index if absent, with the configured dimension.
	// Idempotent and race-safe: of two concurrent creators with different
	// dimensions, at most one succeeds; the other fails with ErrIndexConfig.
	Ensure(ctx context.Context) error

	// BulkInsert inserts records and returns the count that succeeded.
	// Server-side rejections of some records surface as a
	// *PartialInsertError alongside the success count; successfully
	// inserted records are not rolled back. A vector whose dimension
	// differs from the configured one fails the whole call with
	// ErrIndexConfig before anything is sent.
	BulkInsert(ctx context.Context, records []Record) (int, error)

	// Search returns up to k hits ordered best-first. Failures surface as
	// *SearchError; an empty slice means the index genuinely had no
	// matches.
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)

	// DeleteAll destroys the index. Idempotent: deleting an absent index is
	// not an error.
	DeleteAll(ctx context.Context) error

	// Stats reports record count and size, best-effort.
	Stats(ctx context.Context) (Stats, error)

	// Refresh forces inserted records to become visible to Search. No-op on
	// immediately consistent backends.
	Refresh(ctx context.Context) error
}

// validateDimensions fails fast when any record's vector does not match the
// configured dimension.
func validateDimensions(records []Record, dimension int) error {
	for _, r := range records {
		if len(r.Embedding) != dimension {
			return fmt.Errorf("%w: record %q has dimension %d, index expects %d",
				ErrIndexConfig, r.ID, len(r.Embedding), dimension)
		}
	}
	return nil
}
