package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// sseWriter frames events as text/event-stream. Payloads are JSON, so a
// single data line per event suffices.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// newSSEWriter sets stream headers and wraps the response writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	return &sseWriter{w: w, flusher: flusher}, nil
}

// writeEvent emits one named event with a JSON payload and flushes it.
func (w *sseWriter) writeEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	w.flusher.Flush()
	return nil
}
