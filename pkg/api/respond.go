// Package api defines the response envelope shared by every non-streaming
// endpoint, plus small helpers for writing it and for reading JSON bodies.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the common envelope. Streaming endpoints use SSE instead.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func write(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Success writes a 200 envelope with the given message and payload.
func Success(w http.ResponseWriter, message string, data interface{}) {
	write(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// SuccessStatus writes a success envelope with an explicit status code.
func SuccessStatus(w http.ResponseWriter, status int, message string, data interface{}) {
	write(w, status, Response{Success: true, Message: message, Data: data})
}

// Error writes a failure envelope. The code is the machine-readable
// error_code; details may be nil.
func Error(w http.ResponseWriter, status int, code, message string, details interface{}) {
	write(w, status, Response{Success: false, Message: message, ErrorCode: code, Details: details})
}

// ParseJSON reads a JSON body into v, capping the body at maxBytes.
// Unknown fields are ignored so that older clients keep working.
func ParseJSON(w http.ResponseWriter, r *http.Request, v interface{}, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
