package domain

import "errors"

// Error kinds surfaced by the gateways and the coordination components.
// Callers classify failures with errors.Is; components wrap these with
// context using fmt.Errorf and %w.
var (
	// ErrRejectedByVenue is a business rejection. Retrying without changing
	// the request will not help.
	ErrRejectedByVenue = errors.New("rejected by venue")

	// ErrInvalidState means a precondition was violated, e.g. acting on a
	// terminal order. It is an expected outcome.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound means the venue does not know the referenced entity.
	ErrNotFound = errors.New("not found")

	// ErrTransportFailure covers network and serialization failures. It is
	// retriable at the caller's discretion.
	ErrTransportFailure = errors.New("transport failure")

	// ErrJobTimeout means a report job did not become ready within the
	// allowed number of poll attempts.
	ErrJobTimeout = errors.New("job timeout")

	// ErrJobFailed means the venue reported a report job as failed.
	ErrJobFailed = errors.New("job failed")

	// ErrCancelled means the caller aborted a wait.
	ErrCancelled = errors.New("cancelled")

	// ErrStateConflict means the venue reported a state that contradicts a
	// state the coordinator already observed as terminal.
	ErrStateConflict = errors.New("state conflict")

	// ErrInvalidRequest means the request failed local validation and was
	// never sent.
	ErrInvalidRequest = errors.New("invalid request")
)

// IsRetriable reports whether err is a transport failure that a caller may
// retry with backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}
