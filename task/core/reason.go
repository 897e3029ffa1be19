package core

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Exit reasons. A worker always terminates with exactly one reason;
// normal and shutdown-shaped reasons propagate silently, everything
// else produces a diagnostic report.
var (
	// ErrNormal is the reason of a worker that ran its function to
	// completion (or was asked to stop normally).
	ErrNormal = errors.New("normal")

	// ErrShutdown matches any intentional shutdown, bare or annotated.
	// Use Shutdown to annotate a shutdown with a cause.
	ErrShutdown = errors.New("shutdown")

	// ErrKilled is the force-terminate reason used by the close protocol.
	ErrKilled = errors.New("killed")

	// ErrNoOwner is the reason of a link-mode worker whose owner had
	// already terminated before the handshake could complete.
	ErrNoOwner = errors.New("no such owner")

	// ErrHandshakeTimeout is the reason of a worker whose correlation
	// token never arrived within the handshake bound.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrSessionTimeout terminates a whole streaming operation when no
	// relay notification arrives within the session bound.
	ErrSessionTimeout = errors.New("session timeout")

	// ErrUndefined is the reason reported when a worker is spawned with
	// a nil work function.
	ErrUndefined = errors.New("undefined work function")
)

// ShutdownError annotates an intentional shutdown with the condition
// that induced it, e.g. the termination reason of a monitored owner.
// It matches ErrShutdown under errors.Is and is never reported.
type ShutdownError struct {
	Cause error
}

func (e ShutdownError) Error() string {
	if e.Cause == nil {
		return "shutdown"
	}
	return fmt.Sprintf("shutdown: %v", e.Cause)
}

func (e ShutdownError) Is(target error) bool {
	return target == ErrShutdown
}

func (e ShutdownError) Unwrap() error {
	return e.Cause
}

// Shutdown wraps a cause as an intentional shutdown reason.
func Shutdown(cause error) error {
	return ShutdownError{Cause: cause}
}

// RelayLostError terminates a whole streaming operation when the
// session's monitor relay itself dies. It carries the relay's reason.
type RelayLostError struct {
	Reason error
}

func (e RelayLostError) Error() string {
	return fmt.Sprintf("monitor relay lost: %v", e.Reason)
}

func (e RelayLostError) Unwrap() error {
	return e.Reason
}

// PanicError wraps a value recovered from a panicking work function.
// It includes a cleaned-up stack trace that excludes internal taskflow
// frames, making it easier to identify where the panic originated.
type PanicError struct {
	Value any
	Stack string // Cleaned stack trace
}

func (e PanicError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("panic: %v\n%s", e.Value, e.Stack)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// NewPanicError creates a PanicError from a recovered value with a
// cleaned stack trace.
func NewPanicError(recovered any) PanicError {
	return PanicError{
		Value: recovered,
		Stack: cleanStack(captureStack(4)), // skip: runtime.Callers, captureStack, NewPanicError, defer func
	}
}

// Classify maps a value recovered from a panicking worker to its exit
// reason. An error-typed panic is an explicit termination request and
// is used as the reason unchanged, so a worker may request shutdown by
// panicking with a shutdown-shaped reason. Any other value becomes a
// PanicError with a captured stack.
func Classify(recovered any) error {
	if err, ok := recovered.(error); ok {
		return err
	}
	return NewPanicError(recovered)
}

// IsSilent reports whether a reason represents intentional termination.
// Silent reasons are propagated without producing a diagnostic record:
// they are not failures. Kills count as intentional; they only arise
// from explicit cancellation.
func IsSilent(reason error) bool {
	if reason == nil {
		return true
	}
	return errors.Is(reason, ErrNormal) || errors.Is(reason, ErrShutdown) || errors.Is(reason, ErrKilled)
}

// captureStack returns the current stack trace as a string.
func captureStack(skip int) string {
	const maxFrames = 32
	var pcs [maxFrames]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder

	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}

	return sb.String()
}

// cleanStack removes internal taskflow frames from a stack trace.
// It keeps user code and standard library frames while filtering out
// github.com/lguimbarda/taskflow internal frames.
func cleanStack(stack string) string {
	lines := strings.Split(stack, "\n")
	var result []string
	var skipNext bool

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		// Check if this is a function line (not a file:line)
		if !strings.HasPrefix(line, "\t") {
			if strings.Contains(line, "github.com/lguimbarda/taskflow/task/") {
				skipNext = true
				continue
			}
			skipNext = false
		} else if skipNext {
			continue
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n")
}
