package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sibyl-ai/sibyl/internal/answer"
	"github.com/sibyl-ai/sibyl/internal/config"
	"github.com/sibyl-ai/sibyl/internal/index"
)

// writeJSON writes a JSON response. Encoding failures after WriteHeader
// cannot reach the client anymore; they are only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding JSON response", "error", err)
	}
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writePipelineError maps a pipeline failure onto a status code and error
// body.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	s.writeError(w, status, code, err.Error())
}

// statusFor classifies pipeline errors. Upstream failures are gateway
// errors, rate limits pass through as 429, everything unclassified is a 500.
func statusFor(err error) (int, string) {
	var (
		searchErr *index.SearchError
		genErr    *answer.GenerationError
	)
	switch {
	case errors.As(err, &searchErr):
		return http.StatusBadGateway, "search_failed"
	case errors.As(err, &genErr):
		if genErr.Cause == answer.CauseRateLimited {
			return http.StatusTooManyRequests, "rate_limited"
		}
		return http.StatusBadGateway, "generation_failed"
	case errors.Is(err, config.ErrInvalidProvider):
		return http.StatusBadRequest, "invalid_provider"
	case errors.Is(err, index.ErrIndexConfig):
		return http.StatusConflict, "index_config"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
