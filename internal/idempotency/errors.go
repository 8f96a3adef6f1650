package idempotency

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidKey      = errors.New("invalid idempotency key format: expected a UUID v4")
	ErrStillProcessing = errors.New("a request with this idempotency key is still processing")
	ErrOriginalFailed  = errors.New("the original request with this idempotency key did not succeed; retry the request")
	ErrKeyReused       = errors.New("idempotency key was already used for a different request")

	// ErrLockNotObtained is returned by a Locker when another holder owns the key.
	ErrLockNotObtained = errors.New("idempotency lock not obtained")
)

// StatusCode maps a Guard error to the HTTP status returned to the client.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrStillProcessing), errors.Is(err, ErrOriginalFailed):
		return http.StatusConflict
	case errors.Is(err, ErrKeyReused):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the machine-readable code for a Guard error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrStillProcessing):
		return "IDEMPOTENCY_IN_PROGRESS"
	case errors.Is(err, ErrOriginalFailed):
		return "IDEMPOTENCY_ORIGINAL_FAILED"
	case errors.Is(err, ErrKeyReused):
		return "IDEMPOTENCY_KEY_REUSED"
	default:
		return "SERVER_ERROR"
	}
}
