package engine

import "errors"

// The error taxonomy of the engine boundary. Every error returned from an
// Engine operation wraps exactly one of these sentinels; callers classify
// with errors.Is and never see a raw internal error.
var (
	// ErrNotFound is returned for an unknown case or work item ID.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// current status of its target (e.g. checking in a work item that was
	// never checked out), including any mutation of a quarantined case.
	// No state is changed.
	ErrInvalidState = errors.New("invalid state")

	// ErrSpecificationNotFound is returned when launching against an
	// unregistered specification ID.
	ErrSpecificationNotFound = errors.New("specification not found")

	// ErrInvalidSpecification is returned when a net failed (or never
	// had) structural validation.
	ErrInvalidSpecification = errors.New("invalid specification")

	// ErrUnresolvedSplit is returned when an XOR split matches no branch
	// and has no default flow, or an OR split matches no branch. The
	// triggering step is rolled back in full; the case stays RUNNING and
	// is recoverable by correcting case data.
	ErrUnresolvedSplit = errors.New("unresolved split")

	// ErrInvariantViolation indicates a programming-contract violation
	// (negative token count, double fire, replay inconsistency). It is
	// fatal: the case transitions to FAILED and is quarantined from
	// further mutation.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrDataValidation is returned when checkin output data is rejected
	// by the configured validation hook. No state is changed.
	ErrDataValidation = errors.New("output data validation")

	// ErrEventLog is returned when the event log append failed. The
	// in-memory state transition that produced the events stands; the
	// error is surfaced because silent loss of audit history must be
	// visible.
	ErrEventLog = errors.New("event log append")
)
