package apierr

import "errors"

// APIError represents a simple standardized error response.
// Used for 400, 401, 409, 500, 503 errors that don't need specialized shapes.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

// Error kinds surfaced by gateway components. Callers classify with errors.Is;
// the edge maps each kind to an HTTP status or WebSocket error frame.
var (
	// ErrUnauthenticated indicates a missing, malformed, expired or revoked token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrConflict indicates an active stream ticket already exists for the
	// same owner and conversation.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable indicates the bus rejected the request publish.
	ErrUnavailable = errors.New("unavailable")

	// ErrTimeout indicates a ticket timer fired before the terminal chunk.
	ErrTimeout = errors.New("timeout")

	// ErrBadRequest indicates a malformed or invalid chat request.
	ErrBadRequest = errors.New("bad request")
)
