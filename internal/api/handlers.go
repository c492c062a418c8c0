package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sibyl-ai/sibyl/internal/answer"
	"github.com/sibyl-ai/sibyl/internal/retrieval"
)

// maxRequestBody bounds ingest payloads at 16 MiB.
const maxRequestBody = 16 << 20

type ingestRequest struct {
	Documents []struct {
		Source   string            `json:"source"`
		Title    string            `json:"title,omitempty"`
		Text     string            `json:"text"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"documents"`
}

type ingestResponse struct {
	Documents int            `json:"documents"`
	Chunks    int            `json:"chunks"`
	Inserted  int            `json:"inserted"`
	Failed    []failedRecord `json:"failed,omitempty"`
}

type failedRecord struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "decoding body: "+err.Error())
		return
	}
	if len(req.Documents) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "documents is required")
		return
	}

	docs := make([]retrieval.Document, len(req.Documents))
	for i, d := range req.Documents {
		if d.Text == "" {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "document text is required")
			return
		}
		docs[i] = retrieval.Document{
			Source:   d.Source,
			Title:    d.Title,
			Text:     d.Text,
			Metadata: d.Metadata,
		}
	}

	result, err := s.ingestor.Ingest(r.Context(), docs)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	resp := ingestResponse{
		Documents: result.Documents,
		Chunks:    result.Chunks,
		Inserted:  result.Inserted,
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, failedRecord{ID: f.ID, Reason: f.Reason})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type queryRequest struct {
	Question string `json:"question"`
	// TopK distinguishes absent (use the default) from an explicit zero
	// (answer without retrieval).
	TopK      *int   `json:"top_k,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Streaming bool   `json:"streaming"`
}

type queryResponse struct {
	Answer          string    `json:"answer"`
	Sources         []string  `json:"sources"`
	RelevanceScores []float64 `json:"relevance_scores"`
	Provider        string    `json:"provider"`
	Timestamp       time.Time `json:"timestamp"`
	ElapsedMS       int64     `json:"elapsed_ms"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "decoding body: "+err.Error())
		return
	}
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "question is required")
		return
	}

	opts := answer.Options{TopK: req.TopK, Provider: req.Provider}
	if req.Streaming {
		s.streamQuery(w, r, req.Question, opts)
		return
	}

	result, err := s.answerer.Answer(r.Context(), req.Question, opts)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	sources := result.Sources
	if sources == nil {
		sources = []string{}
	}
	scores := result.RelevanceScores
	if scores == nil {
		scores = []float64{}
	}
	s.writeJSON(w, http.StatusOK, queryResponse{
		Answer:          result.Text,
		Sources:         sources,
		RelevanceScores: scores,
		Provider:        result.Provider,
		Timestamp:       result.Timestamp,
		ElapsedMS:       result.Elapsed.Milliseconds(),
	})
}

// streamQuery relays pipeline events as SSE. Failures before the first event
// still produce a proper error event; the HTTP status is already 200 by
// then, which is inherent to SSE.
func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, question string, opts answer.Options) {
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	for ev := range s.answerer.Stream(r.Context(), question, opts) {
		var writeErr error
		switch ev.Type {
		case answer.EventMetadata:
			sources := ev.Sources
			if sources == nil {
				sources = []string{}
			}
			writeErr = sse.writeEvent("metadata", map[string]any{
				"sources":   sources,
				"provider":  ev.Provider,
				"timestamp": ev.Timestamp,
			})
		case answer.EventContent:
			writeErr = sse.writeEvent("content", map[string]string{"text": ev.Text})
		case answer.EventDone:
			writeErr = sse.writeEvent("done", map[string]any{
				"elapsed_ms": ev.Elapsed.Milliseconds(),
				"fragments":  ev.Fragments,
			})
		case answer.EventError:
			_, code := statusFor(ev.Err)
			writeErr = sse.writeEvent("error", map[string]string{
				"code":    code,
				"message": ev.Err.Error(),
			})
		}
		if writeErr != nil {
			s.logger.Debug("client disconnected mid-stream", "error", writeErr)
			return
		}
	}
}

type contextResponse struct {
	Context       string   `json:"context"`
	Sources       []string `json:"sources"`
	DocumentCount int      `json:"document_count"`
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("question")
	if question == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "question query parameter is required")
		return
	}

	maxDocs := 0
	if raw := r.URL.Query().Get("max_docs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "max_docs must be an integer")
			return
		}
		maxDocs = n
	}

	info, err := s.answerer.Context(r.Context(), question, maxDocs)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	sources := info.Sources
	if sources == nil {
		sources = []string{}
	}
	s.writeJSON(w, http.StatusOK, contextResponse{
		Context:       info.Context,
		Sources:       sources,
		DocumentCount: info.DocumentCount,
	})
}

type statsResponse struct {
	RecordCount int64 `json:"record_count"`
	SizeBytes   int64 `json:"size_bytes"`
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.Stats(r.Context())
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		RecordCount: stats.RecordCount,
		SizeBytes:   stats.SizeBytes,
	})
}

func (s *Server) handleIndexDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.index.DeleteAll(r.Context()); err != nil {
		s.writePipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
