package syncclient

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("save not found")
	ErrNetwork      = errors.New("network error")
	ErrStorage      = errors.New("server storage error")
)

// Reason classifies a failed upload.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonUnauthorized Reason = "unauthorized"
	ReasonInvalidInput Reason = "invalid_input"
	ReasonNetworkError Reason = "network_error"
	ReasonStorageError Reason = "storage_error"
)

// ReasonOf maps an error returned by the client onto a Reason.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotFound):
		return ReasonInvalidInput
	case errors.Is(err, ErrStorage):
		return ReasonStorageError
	default:
		return ReasonNetworkError
	}
}

// Retryable reports whether repeating the request may succeed.
func Retryable(err error) bool {
	r := ReasonOf(err)
	return r == ReasonNetworkError || r == ReasonStorageError
}

// statusError is a non-2xx response from the server.
type statusError struct {
	Code    int
	Message string
}

func (e *statusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}
