package supervise

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lguimbarda/taskflow/task/core"
)

// Down is the one-shot notification delivered to a monitor when the
// monitored worker terminates.
type Down struct {
	Ref    uuid.UUID
	Reason error
}

// Worker is the handle of one spawned worker unit. It terminates
// exactly once; the terminal reason is stable after Exited is closed.
//
// Kill requests termination cooperatively: the worker's run context is
// cancelled and the handshake wait (if still pending) is interrupted.
type Worker struct {
	ref    uuid.UUID
	ctx    context.Context
	cancel context.CancelCauseFunc

	// lnk is the fate-sharing link to the owner, set by the spawner
	// before the worker goroutine starts. Nil outside Link mode.
	lnk *link

	mu       sync.Mutex
	monitors []chan<- Down
	done     bool
	reason   error
	exited   chan struct{}
}

// unlink detaches the owner link, if any.
func (w *Worker) unlink() {
	if w.lnk != nil {
		w.lnk.detach()
	}
}

func newWorker() *Worker {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Worker{
		ref:    uuid.New(),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
}

// Ref returns the worker's unique reference.
func (w *Worker) Ref() uuid.UUID {
	return w.ref
}

// Context returns the worker's run context. It is cancelled when the
// worker is killed; the kill reason is available via context.Cause.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// Kill requests that the worker terminate with the given reason.
// The worker observes the request at its next suspension point.
func (w *Worker) Kill(reason error) {
	if reason == nil {
		reason = core.ErrKilled
	}
	w.cancel(reason)
}

// killed returns a channel closed once a kill has been requested.
func (w *Worker) killed() <-chan struct{} {
	return w.ctx.Done()
}

// killReason returns the reason of a pending kill request.
func (w *Worker) killReason() error {
	cause := context.Cause(w.ctx)
	if cause == nil || cause == context.Canceled {
		return core.ErrKilled
	}
	return cause
}

// Exited returns a channel closed once the worker has terminated.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// Reason returns the terminal reason. Only stable after Exited closes.
func (w *Worker) Reason() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Monitor registers ch to receive exactly one Down notification when
// the worker terminates. If the worker has already terminated the
// notification is delivered immediately. Monitors of long-dead workers
// still hear about the death, so registration is race-free.
func (w *Worker) Monitor(ch chan<- Down) {
	w.mu.Lock()
	if w.done {
		d := Down{Ref: w.ref, Reason: w.reason}
		w.mu.Unlock()
		select {
		case ch <- d:
		default:
			// Receiver not ready; deliver without blocking the caller.
			go func() { ch <- d }()
		}
		return
	}
	w.monitors = append(w.monitors, ch)
	w.mu.Unlock()
}

// Demonitor removes a previously registered monitor channel. It is a
// no-op if the worker already terminated or ch was never registered.
func (w *Worker) Demonitor(ch chan<- Down) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, m := range w.monitors {
		if m == ch {
			w.monitors = append(w.monitors[:i], w.monitors[i+1:]...)
			return
		}
	}
}

// finish records the terminal reason, notifies monitors, and closes
// Exited. It runs on the worker goroutine, exactly once.
func (w *Worker) finish(reason error) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.reason = reason
	monitors := w.monitors
	w.monitors = nil
	w.mu.Unlock()

	// Exited closes before monitors hear about the death, so anyone
	// acknowledged via a Down observes a fully terminated handle.
	close(w.exited)
	for _, ch := range monitors {
		ch <- Down{Ref: w.ref, Reason: reason}
	}

	// Release the context; the worker is gone either way.
	w.cancel(reason)
}

// link wires bidirectional fate sharing between an owner and a worker.
// Abnormal termination of either party terminates the other; normal
// and shutdown-shaped reasons do not propagate. detach severs the link
// without affecting either party.
type link struct {
	stop chan struct{}
	once sync.Once
}

func newLink(owner *Owner, w *Worker) *link {
	l := &link{stop: make(chan struct{})}
	go func() {
		select {
		case <-l.stop:
		case <-owner.Done():
			if r := owner.Reason(); !core.IsSilent(r) {
				w.Kill(r)
			}
		case <-w.Exited():
			if r := w.Reason(); !core.IsSilent(r) {
				owner.Trip(r)
			}
		}
	}()
	return l
}

func (l *link) detach() {
	l.once.Do(func() { close(l.stop) })
}
