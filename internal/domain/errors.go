package domain

import "errors"

// Error taxonomy shared by the sync engine, classifier and store backends.
// Callers match with errors.Is; wrapped errors keep the underlying cause.
var (
	// ErrSourceUnavailable means the movement source could not be reached or answered
	// with an error. Retryable.
	ErrSourceUnavailable = errors.New("movement source unavailable")

	// ErrStoreConflict means a persistence operation failed unexpectedly. Not retried.
	ErrStoreConflict = errors.New("store operation failed")

	// ErrClassificationUnavailable means the reasoning service was unreachable or
	// returned an invalid structure. Retryable per transaction.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrAdviceUnavailable means the reasoning service could not produce valid
	// savings recommendations. Retryable.
	ErrAdviceUnavailable = errors.New("savings advice unavailable")

	// ErrConfigMissing means a required credential or link is absent.
	ErrConfigMissing = errors.New("required configuration missing")

	ErrNotFound         = errors.New("not found")
	ErrAlreadyConfirmed = errors.New("transaction category already confirmed")
	ErrUnknownCategory  = errors.New("unknown category")
)
