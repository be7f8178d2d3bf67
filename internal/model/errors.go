package model

import (
	"errors"
)

// Error taxonomy of the engine. Callers use errors.Is to tell them apart.
var (
	// ErrInvalidSpecification rejects a request before any unit runs.
	ErrInvalidSpecification = errors.New("invalid specification")
	// ErrTransientToolFailure is retried locally by the scheduler.
	ErrTransientToolFailure = errors.New("transient tool failure")
	// ErrPermanentToolFailure fails the unit, the job continues.
	ErrPermanentToolFailure = errors.New("permanent tool failure")
	// ErrParse is recorded as a finding, the job continues.
	ErrParse = errors.New("parse error")
	// ErrJobTimeout is the job-level deadline; partial results are kept.
	ErrJobTimeout = errors.New("job timeout")
	// ErrExternalCancel is an operator initiated cancel; partial results are kept.
	ErrExternalCancel = errors.New("external cancel")
	// ErrUnitTimeout is the per-unit deadline.
	ErrUnitTimeout = errors.New("unit timeout")
	// ErrOverloaded is returned when the queue depth ceiling would be exceeded.
	ErrOverloaded = errors.New("overloaded")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNoMatch           = errors.New("no match")
	ErrTooBig            = errors.New("too big")
)
