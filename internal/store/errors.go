package store

import "errors"

var (
	ErrNotFound  = errors.New("store: resource not found")
	ErrDuplicate = errors.New("store: duplicate resource")
	ErrConflict  = errors.New("store: conflicting resource state")

	// ErrQueueUnavailable marks enqueue failures caused by the broker. Callers
	// should retry; the work record stays PENDING until a retry succeeds.
	ErrQueueUnavailable = errors.New("store: job queue unavailable")
)

// IsRetryable reports whether err is a transient broker failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQueueUnavailable)
}
