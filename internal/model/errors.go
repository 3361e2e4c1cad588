package model

import "errors"

// Error taxonomy shared by the store, the source adapters and the worker.
// Callers wrap these with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrNotFound: the instrument (or month) is unknown to the source or the cache.
	ErrNotFound = errors.New("not found")

	// ErrSourceUnavailable: network failure or timeout against the fetch adapter.
	// Transient; the gap is rediscovered by the next refresh.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrPermanentSource: malformed identifier or a page the adapter cannot
	// interpret. Never retried automatically.
	ErrPermanentSource = errors.New("permanent source error")

	// ErrStoreUnavailable: the persistent store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrBusUnavailable: the job bus cannot accept or deliver messages.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrMalformedSample: one raw row failed to parse. Recovered at row level.
	ErrMalformedSample = errors.New("malformed sample")

	// ErrNoQuote: the row exists but carries no quota value (holiday rows).
	ErrNoQuote = errors.New("row has no quote")

	// ErrInvalidJob: a bus message failed schema validation.
	ErrInvalidJob = errors.New("invalid job")
)
