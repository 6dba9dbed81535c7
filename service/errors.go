package service

import "errors"

// Error taxonomy for the audit core. Callers distinguish cases with errors.Is.
var (
	// ErrAuditNotFound indicates the audit id is unknown to the store.
	ErrAuditNotFound = errors.New("audit not found")

	// ErrInvalidTransition indicates an illegal state change was attempted.
	// The audit is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyTerminal indicates a late duplicate transition on a finished
	// audit. Callers treat it as a no-op rather than a failure.
	ErrAlreadyTerminal = errors.New("audit already in terminal state")

	// ErrAuditNotComparable indicates a comparison involving a non-completed audit.
	ErrAuditNotComparable = errors.New("audit not comparable")

	// ErrIdenticalAudits indicates a comparison of an audit with itself.
	ErrIdenticalAudits = errors.New("cannot compare an audit with itself")

	// ErrAuditNotExportable indicates an export attempted on a non-completed audit.
	ErrAuditNotExportable = errors.New("audit not exportable")

	// ErrRenderCaptureFailed indicates the raster capture produced an empty bitmap.
	ErrRenderCaptureFailed = errors.New("render capture failed")
)
