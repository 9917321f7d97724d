package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSE event types emitted by streaming endpoints. A stream carries exactly
// one metadata event first, any number of content events, and exactly one
// terminal event (done or error).
const (
	EventMetadata = "metadata"
	EventContent  = "content"
	EventDone     = "done"
	EventError    = "error"
)

// SSEEvent is the JSON payload of one stream frame.
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SSEWriter writes Server-Sent Events frames and flushes after each one.
type SSEWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewSSEWriter prepares w for event streaming. It fails when the underlying
// writer cannot flush, which would silently buffer the whole stream.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, f: f}, nil
}

// Send writes one frame: `data: {"type":...,"data":...}` plus the blank
// line separator, then flushes.
func (s *SSEWriter) Send(eventType string, data interface{}) error {
	payload, err := json.Marshal(SSEEvent{Type: eventType, Data: data})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
