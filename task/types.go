// Package task provides supervised execution of caller-supplied work
// on lightweight concurrent workers: a handshake protocol for spawning
// one supervised worker, and a bounded-concurrency streaming engine
// that fans work out across an input sequence while preserving input
// order in the delivered results.
//
// This package is the primary user-facing API. The subpackages contain
// the lower-level pieces: task/core (outcomes and exit reasons),
// task/supervise (worker unit and handshake), task/relay (per-session
// monitor relay), and task/stream (the reduction driver).
package task

import (
	"context"
	"iter"

	"github.com/lguimbarda/taskflow/task/core"
	"github.com/lguimbarda/taskflow/task/stream"
	"github.com/lguimbarda/taskflow/task/supervise"
)

// Type aliases for the core abstractions. These allow users to work
// with the module without importing the subpackages directly.
type (
	// Outcome is the terminal result of one worker's run: a value or
	// an exit reason.
	Outcome[T any] = core.Outcome[T]

	// Mode is the supervision relationship between worker and owner.
	Mode = supervise.Mode

	// Worker is the handle of one spawned worker unit.
	Worker = supervise.Worker

	// Spawner is the injected worker-spawning strategy.
	Spawner = supervise.Spawner

	// Report is the structured diagnostic record for worker crashes.
	Report = supervise.Report

	// Reporter receives diagnostic records.
	Reporter = supervise.Reporter

	// ReporterFunc adapts a function to the Reporter interface.
	ReporterFunc = supervise.ReporterFunc

	// Reducer consumes outcomes strictly in input order.
	Reducer[O, A any] = stream.Reducer[O, A]

	// Reduction is the tagged result of a streaming reduction.
	Reduction[A any] = stream.Reduction[A]

	// Verdict is a reducer's control signal: Cont, Suspend, or Halt.
	Verdict = stream.Verdict

	// Option configures a streaming session.
	Option = stream.Option
)

// Supervision modes.
const (
	None    = supervise.None
	Link    = supervise.Link
	Monitor = supervise.Monitor
)

// Reducer verdicts.
const (
	Cont    = stream.Cont
	Suspend = stream.Suspend
	Halt    = stream.Halt
)

// Reduction statuses.
const (
	Done      = stream.Done
	Halted    = stream.Halted
	Suspended = stream.Suspended
)

// Session options, re-exported from task/stream.
var (
	WithMaxConcurrency   = stream.WithMaxConcurrency
	WithTimeout          = stream.WithTimeout
	WithUnboundedTimeout = stream.WithUnboundedTimeout
	WithMode             = stream.WithMode
	WithSpawner          = stream.WithSpawner
	WithReporter         = stream.WithReporter
)

// Outcome constructors.

// Ok creates a successful Outcome containing the given value.
func Ok[T any](value T) Outcome[T] {
	return core.Ok(value)
}

// Exit creates an Outcome for a worker that terminated with a reason.
func Exit[T any](reason error) Outcome[T] {
	return core.Exit[T](reason)
}

// Reduce lazily consumes seq, runs work on each item on supervised
// workers capped at the configured concurrency, and feeds reduce
// strictly in input order regardless of completion order.
func Reduce[I, O, A any](ctx context.Context, seq iter.Seq[I], work stream.Work[I, O], acc A, reduce Reducer[O, A], opts ...Option) (Reduction[A], error) {
	return stream.Reduce(ctx, seq, work, acc, reduce, opts...)
}

// Collect runs work over seq and gathers the outcomes in input order.
func Collect[I, O any](ctx context.Context, seq iter.Seq[I], work stream.Work[I, O], opts ...Option) ([]Outcome[O], error) {
	red, err := stream.Reduce(ctx, seq, work, []Outcome[O](nil),
		func(out Outcome[O], acc []Outcome[O]) (Verdict, []Outcome[O]) {
			return Cont, append(acc, out)
		}, opts...)
	return red.Acc, err
}
