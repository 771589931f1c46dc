package server

import (
	"encoding/json"
	"net/http"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code     string               `json:"code"`
	Message  string               `json:"message"`
	Protocol *types.ProtocolError `json:"protocol,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeSessionTerminated = "SESSION_TERMINATED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeProtocolError writes an error response carrying the protocol error
// that terminated the session.
func writeProtocolError(w http.ResponseWriter, status int, perr *types.ProtocolError) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:     ErrCodeSessionTerminated,
			Message:  perr.Error(),
			Protocol: perr,
		},
	})
}
