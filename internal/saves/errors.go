package saves

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrTooLarge     = errors.New("save file too large")
	ErrNotFound     = errors.New("save not found")
	ErrStorage      = errors.New("storage failure")
	ErrBusy         = errors.New("too many uploads in progress")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Reason returns the short failure reason recorded in the audit log.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal_error"
	}
}
