package domain

import "errors"

// Error kinds used across the pipeline. Callers classify with errors.Is and
// recover at the smallest boundary that keeps the batch moving: only
// ErrConfigMissing and ErrValidation abort a batch.
var (
	// ErrConfigMissing marks an absent credential or prompt file.
	ErrConfigMissing = errors.New("config missing")

	// ErrTransientUpstream marks HTTP 429/5xx, transport failures, and
	// malformed upstream JSON. Retried with exponential backoff.
	ErrTransientUpstream = errors.New("transient upstream error")

	// ErrPermanentUpstream marks non-429 4xx responses. Never retried.
	ErrPermanentUpstream = errors.New("permanent upstream error")

	// ErrValidation marks malformed input at a contract boundary.
	ErrValidation = errors.New("validation error")

	// ErrPersistence marks a database failure.
	ErrPersistence = errors.New("persistence error")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}
