package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is an in-memory Index used in tests and for single-process
// deployments without external infrastructure. Immediately consistent;
// Refresh is a no-op.
//
// Similarity property: cosine similarity rescaled from [-1,1] to [0,1] via
// (cos+1)/2, so an identical direction scores exactly 1.
type Memory struct {
	dimension int

	mu      sync.RWMutex
	created bool
	records []Record
}

// NewMemory creates an in-memory index for vectors of the given dimension.
func NewMemory(dimension int) *Memory {
	return &Memory{dimension: dimension}
}

// Ensure marks the index created. Calling again with the same receiver is a
// no-op; the dimension is fixed at construction so concurrent creators cannot
// disagree.
func (m *Memory) Ensure(_ context.Context) error {
	if m.dimension <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrIndexConfig, m.dimension)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = true
	return nil
}

// BulkInsert appends records after validating dimensions.
func (m *Memory) BulkInsert(_ context.Context, records []Record) (int, error) {
	if err := validateDimensions(records, m.dimension); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return len(records), nil
}

// Search scans all records and returns the k most similar, best-first.
func (m *Memory) Search(_ context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) != m.dimension {
		return nil, &SearchError{
			Backend: "memory",
			Err:     fmt.Errorf("%w: query dimension %d, index expects %d", ErrIndexConfig, len(vector), m.dimension),
		}
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.records))
	for _, r := range m.records {
		hits = append(hits, Hit{
			Text:       r.Text,
			Metadata:   r.Metadata,
			Similarity: (cosine(vector, r.Embedding) + 1) / 2,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteAll drops every record. Idempotent.
func (m *Memory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.created = false
	return nil
}

// Stats reports exact counts; the in-memory store has nothing eventual about
// it.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var size int64
	for _, r := range m.records {
		size += int64(len(r.Text)) + int64(4*len(r.Embedding))
	}
	return Stats{RecordCount: int64(len(m.records)), SizeBytes: size}, nil
}

// Refresh is a no-op; writes are visible immediately.
func (*Memory) Refresh(_ context.Context) error { return nil }

// cosine computes cosine similarity between two equal-length vectors.
// Zero vectors score 0.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
