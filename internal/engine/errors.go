package engine

import (
	"errors"
	"fmt"
)

// Kind categorizes engine errors for callers.
type Kind string

const (
	// KindCycle marks an enqueue rejected for introducing a
	// dependency cycle. The only kind surfaced synchronously to the
	// intake caller.
	KindCycle Kind = "cycle_violation"

	// KindConflict marks an operation invalid for the story's current
	// state (duplicate ID, not in flight, wrong stage).
	KindConflict Kind = "conflict"

	// KindNotFound marks a reference to an unknown story.
	KindNotFound Kind = "not_found"

	// KindInvalid marks malformed input (bad priority, unknown stage,
	// unknown decision).
	KindInvalid Kind = "invalid"
)

// EngineError is a structured error with the failing operation and a
// category. Validation and stage failures are not errors: they are
// normal outcomes recovered through retry or escalation and reported
// through events.
type EngineError struct {
	Op   string
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// newError wraps err with operation context and a category.
func newError(op string, kind Kind, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// ErrorKind extracts the Kind from an engine error, or empty.
func ErrorKind(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
