// Package core defines the core abstractions for supervised task
// execution: per-item outcomes and the exit-reason taxonomy shared by
// the handshake, relay, and stream driver packages.
//
// NOTE: this package should have no dependencies outside the standard
// library, including other task packages.
package core

// Outcome represents the terminal result of one worker's run.
// It exists in one of two states:
//   - OK: the work function returned a value (IsOK() returns true)
//   - Exit: the worker terminated with a reason (IsExit() returns true)
//
// Exits are data at this boundary: a consumer receives them alongside
// successful values and decides what to do. A single failed item never
// aborts the pipeline by itself.
type Outcome[T any] struct {
	value  T
	reason error
	exited bool
}

// Ok creates a successful Outcome containing the given value.
func Ok[T any](value T) Outcome[T] {
	return Outcome[T]{value: value}
}

// Exit creates an Outcome for a worker that terminated with the given
// reason instead of producing a value.
func Exit[T any](reason error) Outcome[T] {
	var zero T
	return Outcome[T]{value: zero, reason: reason, exited: true}
}

// IsOK returns true if this Outcome carries a successful value.
func (o Outcome[T]) IsOK() bool {
	return !o.exited
}

// IsExit returns true if this Outcome carries a termination reason.
func (o Outcome[T]) IsExit() bool {
	return o.exited
}

// Value returns the contained value. Only meaningful when IsOK() is true.
// Returns the zero value for exits.
func (o Outcome[T]) Value() T {
	return o.value
}

// Reason returns the termination reason if this is an exit Outcome.
// Returns nil for successful values.
func (o Outcome[T]) Reason() error {
	return o.reason
}

// Unwrap returns the value and reason together.
// Useful for cases where you need both regardless of Outcome state.
func (o Outcome[T]) Unwrap() (T, error) {
	return o.value, o.reason
}
