package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenSearch is an Index backed by an OpenSearch-compatible managed search
// service over its REST API.
//
// Similarity property: the k-NN plugin reports _score already normalized to
// (0,1] (higher is better) for the configured cosine space; scores are passed
// through and clamped to [0,1].
//
// Consistency: inserted records become visible to Search only after the
// index's refresh interval elapses, or after an explicit Refresh. Documented
// limitation of the backend, not a bug.
type OpenSearch struct {
	client    *http.Client
	baseURL   string
	username  string
	password  string
	name      string
	dimension int
	logger    *slog.Logger
}

// OpenSearchConfig contains construction parameters for the OpenSearch
// variant.
type OpenSearchConfig struct {
	// BaseURL is the cluster endpoint, e.g. "http://localhost:9200".
	BaseURL string

	// Name is the index name.
	Name string

	// Dimension is the vector dimension enforced by the index mapping.
	Dimension int

	// Username/Password enable basic auth when set.
	Username string
	Password string

	// Client overrides the HTTP client (tests). Nil uses a client with a
	// 30-second overall timeout; per-call deadlines come from ctx.
	Client *http.Client

	Logger *slog.Logger // nil = slog.Default()
}

// NewOpenSearch creates the OpenSearch-backed index.
func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("opensearch base URL is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("index name is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrIndexConfig, cfg.Dimension)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenSearch{
		client:    client,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		name:      cfg.Name,
		dimension: cfg.Dimension,
		logger:    logger,
	}, nil
}

// Ensure creates the index with a knn_vector mapping if it does not exist.
// An existing index with a different embedding dimension fails with
// ErrIndexConfig. Race-safe: a concurrent creator losing the creation race
// falls through to the mapping check, so mismatched schemas cannot both
// succeed.
func (o *OpenSearch) Ensure(ctx context.Context) error {
	exists, err := o.indexExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return o.checkDimension(ctx)
	}

	body := map[string]any{
		"settings": map[string]any{
			"index": map[string]any{"knn": true},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"embedding": map[string]any{
					"type":      "knn_vector",
					"dimension": o.dimension,
					"method": map[string]any{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "lucene",
					},
				},
				"text":       map[string]any{"type": "text"},
				"metadata":   map[string]any{"type": "object"},
				"created_at": map[string]any{"type": "date"},
			},
		},
	}

	resp, err := o.do(ctx, http.MethodPut, "/"+o.name, body)
	if err != nil {
		return fmt.Errorf("creating index %q: %w", o.name, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode < 300:
		o.logger.Info("created index", "name", o.name, "dimension", o.dimension)
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		// Likely resource_already_exists from a concurrent creator; the
		// winner's schema stands, so verify it matches ours.
		return o.checkDimension(ctx)
	default:
		return fmt.Errorf("creating index %q: unexpected status %d", o.name, resp.StatusCode)
	}
}

// indexExists issues HEAD /{name}.
func (o *OpenSearch) indexExists(ctx context.Context) (bool, error) {
	resp, err := o.do(ctx, http.MethodHead, "/"+o.name, nil)
	if err != nil {
		return false, fmt.Errorf("checking index %q: %w", o.name, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking index %q: unexpected status %d", o.name, resp.StatusCode)
	}
}

// checkDimension verifies the existing mapping's embedding dimension.
func (o *OpenSearch) checkDimension(ctx context.Context) error {
	resp, err := o.do(ctx, http.MethodGet, "/"+o.name+"/_mapping", nil)
	if err != nil {
		return fmt.Errorf("reading mapping for %q: %w", o.name, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reading mapping for %q: unexpected status %d", o.name, resp.StatusCode)
	}

	var mapping map[string]struct {
		Mappings struct {
			Properties struct {
				Embedding struct {
					Type      string `json:"type"`
					Dimension int    `json:"dimension"`
				} `json:"embedding"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&mapping); err != nil {
		return fmt.Errorf("decoding mapping for %q: %w", o.name, err)
	}

	entry, ok := mapping[o.name]
	if !ok {
		return fmt.Errorf("mapping response missing index %q", o.name)
	}
	if got := entry.Mappings.Properties.Embedding.Dimension; got != o.dimension {
		return fmt.Errorf("%w: index %q exists with dimension %d, configured %d",
			ErrIndexConfig, o.name, got, o.dimension)
	}
	return nil
}

// BulkInsert sends records through the _bulk API and accounts for per-item
// failures. Items the service rejects are reported in a *PartialInsertError;
// accepted items stay inserted.
func (o *OpenSearch) BulkInsert(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := validateDimensions(records, o.dimension); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		action := map[string]any{
			"index": map[string]any{"_index": o.name, "_id": r.ID},
		}
		doc := map[string]any{
			"embedding":  r.Embedding,
			"text":       r.Text,
			"metadata":   r.Metadata,
			"created_at": r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := enc.Encode(action); err != nil {
			return 0, fmt.Errorf("encoding bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return 0, fmt.Errorf("encoding bulk document: %w", err)
		}
	}

	resp, err := o.doRaw(ctx, http.MethodPost, "/_bulk", &buf, "application/x-ndjson")
	if err != nil {
		return 0, fmt.Errorf("bulk insert into %q: %w", o.name, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("bulk insert into %q: unexpected status %d", o.name, resp.StatusCode)
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decoding bulk response: %w", err)
	}

	if !result.Errors {
		return len(records), nil
	}

	inserted := 0
	var failed []FailedRecord
	for _, item := range result.Items {
		for _, op := range item {
			if op.Status < 300 {
				inserted++
				continue
			}
			reason := fmt.Sprintf("status %d", op.Status)
			if op.Error != nil {
				reason = fmt.Sprintf("%s: %s", op.Error.Type, op.Error.Reason)
			}
			failed = append(failed, FailedRecord{ID: op.ID, Reason: reason})
		}
	}

	o.logger.Warn("bulk insert partially failed",
		"index", o.name, "inserted", inserted, "failed", len(failed))
	return inserted, &PartialInsertError{Inserted: inserted, Failed: failed}
}

// Search runs a k-NN query and returns hits in the service's best-first
// order.
func (o *OpenSearch) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) != o.dimension {
		return nil, &SearchError{
			Backend: "opensearch",
			Err:     fmt.Errorf("%w: query dimension %d, index expects %d", ErrIndexConfig, len(vector), o.dimension),
		}
	}
	if k <= 0 {
		return nil, nil
	}

	body := map[string]any{
		"size": k,
		"query": map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{
					"vector": vector,
					"k":      k,
				},
			},
		},
	}

	resp, err := o.do(ctx, http.MethodPost, "/"+o.name+"/_search", body)
	if err != nil {
		return nil, &SearchError{Backend: "opensearch", Err: err}
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return nil, &SearchError{
			Backend: "opensearch",
			Err:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Score  float64 `json:"_score"`
				Source struct {
					Text     string            `json:"text"`
					Metadata map[string]string `json:"metadata"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &SearchError{Backend: "opensearch", Err: fmt.Errorf("decoding response: %w", err)}
	}

	hits := make([]Hit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		hits = append(hits, Hit{
			Text:       h.Source.Text,
			Metadata:   h.Source.Metadata,
			Similarity: clamp01(h.Score),
		})
	}
	return hits, nil
}

// DeleteAll drops the index. Deleting an absent index succeeds.
func (o *OpenSearch) DeleteAll(ctx context.Context) error {
	resp, err := o.do(ctx, http.MethodDelete, "/"+o.name, nil)
	if err != nil {
		return fmt.Errorf("deleting index %q: %w", o.name, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting index %q: unexpected status %d", o.name, resp.StatusCode)
	}
	o.logger.Info("deleted index", "name", o.name)
	return nil
}

// Stats reads document count and store size. Best-effort: an absent index
// reports zeros.
func (o *OpenSearch) Stats(ctx context.Context) (Stats, error) {
	resp, err := o.do(ctx, http.MethodGet, "/"+o.name+"/_stats/docs,store", nil)
	if err != nil {
		return Stats{}, fmt.Errorf("reading stats for %q: %w", o.name, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return Stats{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("reading stats for %q: unexpected status %d", o.name, resp.StatusCode)
	}

	var result struct {
		Indices map[string]struct {
			Primaries struct {
				Docs struct {
					Count int64 `json:"count"`
				} `json:"docs"`
				Store struct {
					SizeInBytes int64 `json:"size_in_bytes"`
				} `json:"store"`
			} `json:"primaries"`
		} `json:"indices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Stats{}, fmt.Errorf("decoding stats for %q: %w", o.name, err)
	}

	entry, ok := result.Indices[o.name]
	if !ok {
		return Stats{}, nil
	}
	return Stats{
		RecordCount: entry.Primaries.Docs.Count,
		SizeBytes:   entry.Primaries.Store.SizeInBytes,
	}, nil
}

// Refresh forces pending writes to become searchable. Used by callers that
// need immediate visibility (tests, re-index verification).
func (o *OpenSearch) Refresh(ctx context.Context) error {
	resp, err := o.do(ctx, http.MethodPost, "/"+o.name+"/_refresh", nil)
	if err != nil {
		return fmt.Errorf("refreshing index %q: %w", o.name, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("refreshing index %q: unexpected status %d", o.name, resp.StatusCode)
	}
	return nil
}

// do issues a JSON request against the cluster.
func (o *OpenSearch) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return o.doRaw(ctx, method, path, reader, "application/json")
}

// doRaw issues a request with a caller-provided body and content type.
func (o *OpenSearch) doRaw(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if o.username != "" {
		req.SetBasicAuth(o.username, o.password)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
