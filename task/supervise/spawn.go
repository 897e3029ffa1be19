package supervise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lguimbarda/taskflow/task/core"
)

// Work is the function a worker runs to completion. A returned non-nil
// error is an explicit termination request; a panic is a crash. The
// context is cancelled when the worker is killed.
type Work[T any] func(context.Context) (T, error)

// Spawner is the strategy that creates worker units. It is injected so
// alternative supervision backends can be substituted; GoSpawner is the
// default goroutine-backed implementation.
type Spawner interface {
	// Spawn creates a worker, establishes the requested supervision
	// relationship with the owner, and runs unit on the new worker's
	// execution context. owner may be nil for fire-and-forget spawns.
	Spawn(owner *Owner, mode Mode, unit func(*Worker)) *Worker
}

// GoSpawner runs each worker unit on its own goroutine.
type GoSpawner struct{}

func (GoSpawner) Spawn(owner *Owner, mode Mode, unit func(*Worker)) *Worker {
	w := newWorker()
	if mode == Link && owner != nil {
		w.lnk = newLink(owner, w)
	}
	go unit(w)
	return w
}

// DefaultHandshakeTimeout bounds a link-mode worker's wait for its
// correlation token. It guards against an owner that terminated between
// spawning the worker and delivering the token.
const DefaultHandshakeTimeout = 5 * time.Second

type spawnConfig struct {
	handshakeTimeout time.Duration
	reporter         Reporter
	args             string
}

// SpawnOption configures a spawn.
type SpawnOption func(*spawnConfig)

// WithHandshakeTimeout bounds the link-mode token wait. d <= 0 waits
// unboundedly.
func WithHandshakeTimeout(d time.Duration) SpawnOption {
	return func(c *spawnConfig) {
		c.handshakeTimeout = d
	}
}

// WithReporter routes diagnostic records for this spawn to rep.
func WithReporter(rep Reporter) SpawnOption {
	return func(c *spawnConfig) {
		if rep != nil {
			c.reporter = rep
		}
	}
}

// WithArgs records the arguments the work function closes over, so a
// failure's diagnostic record identifies the failing call, not just
// the failing function.
func WithArgs(args ...any) SpawnOption {
	return func(c *spawnConfig) {
		c.args = fmt.Sprint(args...)
	}
}

func applySpawnOptions(opts []SpawnOption) spawnConfig {
	cfg := spawnConfig{
		handshakeTimeout: DefaultHandshakeTimeout,
		reporter:         discard{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Reply is the worker's answer on a reply-mode handshake: the echoed
// correlation token proving provenance, plus the work's value.
type Reply[T any] struct {
	Token uuid.UUID
	Value T
}

// Request is one in-flight reply-mode spawn. The worker is blocked
// awaiting its correlation token until Start delivers it.
type Request[T any] struct {
	worker  *Worker
	owner   *Owner
	mode    Mode
	token   uuid.UUID
	tokenCh chan uuid.UUID
	replyCh chan Reply[T]

	startOnce sync.Once
	dropOnce  sync.Once
}

// Worker returns the spawned worker's handle.
func (r *Request[T]) Worker() *Worker {
	return r.worker
}

// Token returns the correlation token minted for this spawn.
func (r *Request[T]) Token() uuid.UUID {
	return r.token
}

// Start delivers the correlation token, releasing the worker to run
// its function. Idempotent.
func (r *Request[T]) Start() {
	r.startOnce.Do(func() {
		r.tokenCh <- r.token
	})
}

// Reply returns the channel on which the worker sends its (token,
// value) answer. The channel holds at most one reply.
func (r *Request[T]) Reply() <-chan Reply[T] {
	return r.replyCh
}

// TryReply returns the worker's reply without blocking. ok is false if
// no reply has been sent, or the echoed token does not match this
// request (a stale worker from an unrelated handshake).
func (r *Request[T]) TryReply() (Reply[T], bool) {
	select {
	case rep := <-r.replyCh:
		if rep.Token != r.token {
			return Reply[T]{}, false
		}
		return rep, true
	default:
		return Reply[T]{}, false
	}
}

// Await blocks until the worker replies or terminates. A reply present
// at termination time still wins; otherwise the worker's terminal
// reason is returned.
func (r *Request[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case rep := <-r.replyCh:
		if rep.Token == r.token {
			return rep.Value, nil
		}
		// Stale reply from an unrelated handshake: wait for the
		// worker's own terminal reason instead.
		<-r.worker.Exited()
		return zero, r.worker.Reason()
	case <-r.worker.Exited():
		if rep, ok := r.TryReply(); ok {
			return rep.Value, nil
		}
		return zero, r.worker.Reason()
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}

// Drop detaches the supervision link, if any, so the worker's eventual
// termination no longer cascades to the owner. Idempotent.
func (r *Request[T]) Drop() {
	r.dropOnce.Do(func() {
		r.worker.unlink()
	})
}

// SpawnReply spawns a worker that performs the full handshake: it
// records diagnostic metadata about work, establishes the requested
// supervision relationship with owner, then blocks awaiting the
// correlation token that Start delivers. On receipt it runs work and
// sends (token, value) back; on failure it classifies and reports, then
// terminates with the normalized reason.
func SpawnReply[T any](owner *Owner, mode Mode, sp Spawner, work Work[T], opts ...SpawnOption) *Request[T] {
	cfg := applySpawnOptions(opts)
	meta := describeCallable(work)
	meta.args = cfg.args

	r := &Request[T]{
		owner:   owner,
		mode:    mode,
		token:   uuid.New(),
		tokenCh: make(chan uuid.UUID, 1),
		replyCh: make(chan Reply[T], 1),
	}
	r.worker = sp.Spawn(owner, mode, func(w *Worker) {
		runReply(owner, mode, w, meta, work, r.tokenCh, r.replyCh, cfg)
	})
	return r
}

// Spawn is the fire-and-forget variant: no owner, no reply. The worker
// runs work and exits; crashes are still classified and reported.
func Spawn[T any](sp Spawner, work Work[T], opts ...SpawnOption) *Worker {
	cfg := applySpawnOptions(opts)
	meta := describeCallable(work)
	meta.args = cfg.args

	return sp.Spawn(nil, None, func(w *Worker) {
		_, reason := invoke(w, "", meta, work, cfg.reporter)
		if reason == nil {
			reason = core.ErrNormal
		}
		w.finish(reason)
	})
}

// runReply is the worker side of the reply-mode handshake.
func runReply[T any](owner *Owner, mode Mode, w *Worker, meta callable, work Work[T], tokenCh <-chan uuid.UUID, replyCh chan<- Reply[T], cfg spawnConfig) {
	// A link to an already-terminated owner never proceeds.
	if mode == Link && owner.Tripped() {
		w.finish(core.ErrNoOwner)
		return
	}

	// Monitor mode: watch the owner until the token arrives.
	var ownerDown <-chan struct{}
	if mode == Monitor {
		ownerDown = owner.Done()
	}

	// Link mode: bound the token wait. An owner crash between spawn
	// and token delivery would otherwise block this worker forever.
	var timeoutC <-chan time.Time
	if mode == Link && cfg.handshakeTimeout > 0 {
		t := time.NewTimer(cfg.handshakeTimeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case token := <-tokenCh:
		// Token received: the owner monitor is discarded and the
		// work runs to completion.
		value, reason := invoke(w, owner.Name(), meta, work, cfg.reporter)
		if reason == nil {
			replyCh <- Reply[T]{Token: token, Value: value}
			w.finish(core.ErrNormal)
			return
		}
		w.finish(reason)

	case <-timeoutC:
		w.finish(core.ErrHandshakeTimeout)

	case <-ownerDown:
		// Owner terminated before the token: propagate its reason,
		// annotated as an induced shutdown.
		w.finish(core.Shutdown(owner.Reason()))

	case <-w.killed():
		w.finish(w.killReason())
	}
}
