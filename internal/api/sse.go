package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter streams JSON events over Server-Sent Events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the SSE headers and returns a writer. It fails when the
// underlying writer cannot flush, since unflushed events would sit in a
// buffer until the stream ends.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &sseWriter{w: w, flusher: flusher}, nil
}

// writeEvent sends one named event with a JSON payload. JSON never contains
// raw newlines, so a single data line is always well-formed.
func (s *sseWriter) writeEvent(event string, payload any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n", event, bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("terminating %s event: %w", event, err)
	}

	s.flusher.Flush()
	return nil
}

// writeDone signals the end of the stream.
func (s *sseWriter) writeDone() error {
	return s.writeEvent("done", map[string]bool{"done": true})
}
