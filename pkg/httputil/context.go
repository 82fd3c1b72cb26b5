package httputil

import (
	"encoding/json"
	"net/http"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// RequestID returns the request ID stored by the RequestID middleware
func RequestID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(RequestIDCtxKey).(string)
	return id, ok && id != ""
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse represents a structured error response.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Error sends a JSON response with an error code and message.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{Code: statusCode, Message: message})
}
