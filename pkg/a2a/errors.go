package a2a

import "errors"

// Transport error taxonomy. Retryable and non-retryable conditions are
// distinguished here so the resilience layer never burns retry budget on a
// request that can never succeed.
var (
	// ErrTimedOut indicates the collaborator did not answer within the
	// configured timeout. Retryable.
	ErrTimedOut = errors.New("a2a call timed out")

	// ErrUnreachable indicates the collaborator could not be reached
	// (connection refused, circuit open, 5xx). Retryable.
	ErrUnreachable = errors.New("collaborator unreachable")

	// ErrBadRequest indicates the collaborator rejected the message as
	// malformed. Not retryable.
	ErrBadRequest = errors.New("collaborator rejected request")

	// ErrUnauthorized indicates an authorization failure. Not retryable.
	ErrUnauthorized = errors.New("collaborator authorization failed")

	// ErrQueueUnavailable indicates the dispatch queue could not accept the
	// message. Retryable.
	ErrQueueUnavailable = errors.New("dispatch queue unavailable")
)

// Retryable reports whether err is a transient transport condition.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimedOut) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrQueueUnavailable)
}
