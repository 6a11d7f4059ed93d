package request

import "fmt"

// Class buckets a failed request for retry decisions and user messaging.
type Class string

const (
	// ClassBlocked means the request was rejected by local policy before it
	// left the client. Permanent, never retried.
	ClassBlocked Class = "blocked"
	// ClassClient is a 4xx other than 403/404. Permanent.
	ClassClient Class = "client_error"
	// ClassNotFound is a 404. Permanent.
	ClassNotFound Class = "not_found"
	// ClassForbidden is a 403. Permanent.
	ClassForbidden Class = "forbidden"
	// ClassServer is a 5xx. Transient, retried.
	ClassServer Class = "server_error"
	// ClassNetwork means no response was received. Transient, retried.
	ClassNetwork Class = "network_error"
)

// Transient reports whether requests failing with this class may be retried.
func (c Class) Transient() bool {
	return c == ClassServer || c == ClassNetwork
}

// UserMessage returns the human-readable fallback line for this class.
func (c Class) UserMessage() string {
	switch c {
	case ClassBlocked:
		return "The request was blocked before reaching the server."
	case ClassForbidden:
		return "The server refused the request."
	case ClassNotFound:
		return "The requested endpoint does not exist."
	case ClassClient:
		return "The request was rejected by the server."
	case ClassServer:
		return "The server is temporarily unavailable. Please try again."
	default:
		return "Network issue, working offline."
	}
}

// Error is the terminal outcome of an exhausted or short-circuited request.
type Error struct {
	Class      Class
	StatusCode int // zero when no response was received
	Attempts   int // attempts actually performed
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d, %d attempts): %s", e.Class, e.StatusCode, e.Attempts, e.Message)
	}
	return fmt.Sprintf("%s (%d attempts): %s", e.Class, e.Attempts, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError returns err as a *Error, or wraps it as a network-class error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*Error); ok {
		return rerr
	}
	return &Error{Class: ClassNetwork, Attempts: 1, Message: err.Error(), Err: err}
}
