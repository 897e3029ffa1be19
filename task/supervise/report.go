package supervise

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/lguimbarda/taskflow/task/core"
)

// Report is the structured diagnostic record emitted when a worker
// terminates with a non-silent reason. Formatting and destination are
// up to the Reporter; the record itself is plain data.
type Report struct {
	// Worker is the reference of the worker that failed.
	Worker uuid.UUID

	// Owner is the symbolic name of the spawning party, or empty for
	// fire-and-forget workers.
	Owner string

	// Callable is the resolved name of the failing work function.
	Callable string

	// Args describes the arguments the work function was invoked
	// over, as recorded at spawn time. Empty when the spawn recorded
	// none.
	Args string

	// Reason is the normalized termination reason.
	Reason error

	// Time is when the failure was captured.
	Time time.Time
}

func (r Report) String() string {
	if r.Args == "" {
		return fmt.Sprintf("worker %s (owner %q) running %s terminated: %v",
			r.Worker, r.Owner, r.Callable, r.Reason)
	}
	return fmt.Sprintf("worker %s (owner %q) running %s with (%s) terminated: %v",
		r.Worker, r.Owner, r.Callable, r.Args, r.Reason)
}

// Reporter receives diagnostic records for unhandled worker failures.
// Implementations must be safe for concurrent use; reports arrive on
// worker goroutines.
type Reporter interface {
	Report(Report)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Report)

func (f ReporterFunc) Report(r Report) {
	f(r)
}

// discard is the default reporter.
type discard struct{}

func (discard) Report(Report) {}

// callable is the diagnostic metadata recorded at spawn time, before
// the work function ever runs. It is threaded through the worker's
// execution explicitly rather than stored in ambient state.
type callable struct {
	name string
	args string
}

func describeCallable(fn any) callable {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return callable{name: "undefined"}
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return callable{name: f.Name()}
	}
	return callable{name: "anonymous"}
}

// invoke runs the work function with panic recovery and classifies the
// failure, if any. A returned non-nil error is an explicit termination
// request; a panic is classified by its value. Non-silent reasons emit
// exactly one diagnostic record before being propagated.
func invoke[T any](w *Worker, owner string, meta callable, work Work[T], rep Reporter) (value T, reason error) {
	defer func() {
		if r := recover(); r != nil {
			reason = core.Classify(r)
		}
		if !core.IsSilent(reason) {
			reason = rediagnose(reason, meta)
			rep.Report(Report{
				Worker:   w.Ref(),
				Owner:    owner,
				Callable: meta.name,
				Args:     meta.args,
				Reason:   reason,
				Time:     time.Now(),
			})
		}
	}()

	if work == nil {
		return value, core.ErrUndefined
	}
	return work(w.Context())
}

// rediagnose sharpens an undefined-callable reason for operator
// clarity: a nil work function and a named-but-missing function are
// reported distinctly.
func rediagnose(reason error, meta callable) error {
	if !errors.Is(reason, core.ErrUndefined) {
		return reason
	}
	if meta.name == "undefined" {
		return fmt.Errorf("%w: nil function", core.ErrUndefined)
	}
	return fmt.Errorf("%w: %s", core.ErrUndefined, meta.name)
}
