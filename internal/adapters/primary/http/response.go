package http

import (
	"context"
	"encoding/json"
	"net/http"

	mw "github.com/Edyrichards/todo-realtime/internal/adapters/primary/http/middleware"
)

// ErrorResponse is the standard JSON error response format
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	return mw.GetRequestID(ctx)
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header is already sent; an encode failure here is unrecoverable.
	_ = json.NewEncoder(w).Encode(v)
}
