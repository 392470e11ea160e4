package api

import "errors"

// Error taxonomy. Callers branch with errors.Is; everything else wraps one
// of these sentinels.
var (
	// ErrInvalidSplit means traffic percentages are malformed. Caller error,
	// never retried.
	ErrInvalidSplit = errors.New("invalid traffic split")

	// ErrInvalidTransition means an illegal lifecycle or state-machine move.
	// Caller error, never retried.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInsufficientData means a statistical test was requested on an empty
	// sample.
	ErrInsufficientData = errors.New("insufficient data for analysis")

	// ErrAnalysisTimeout means a statistical computation exceeded its budget.
	// The caller receives no partial result.
	ErrAnalysisTimeout = errors.New("analysis timed out")

	// ErrStoreUnavailable means the shared store failed. Tracking writes
	// retry with bounded backoff; config reads surface it immediately.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound means the requested experiment or deployment does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleVersion means an optimistic-concurrency write raced with a
	// concurrent transition and must be retried by the caller.
	ErrStaleVersion = errors.New("stale deployment version")
)
