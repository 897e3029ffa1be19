// Package relay implements the per-session monitor relay: a single
// goroutine that tracks every worker spawned for one streaming session,
// multiplexes their terminal notifications onto one ordered channel,
// and performs bulk teardown on request.
package relay

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/lguimbarda/taskflow/task/core"
	"github.com/lguimbarda/taskflow/task/supervise"
)

// ErrRelayShutdown is the distinguished clean-shutdown reason a relay
// exits with after an explicit Shutdown request.
var ErrRelayShutdown = errors.New("relay shutdown")

// Notice is a worker's terminal notification forwarded to the driver,
// keyed by the slot assigned at spawn time.
type Notice struct {
	Slot   int
	Reason error
}

type registration struct {
	slot   int
	mode   supervise.Mode
	worker *supervise.Worker
}

// Relay tracks the workers of one streaming session. Its state is
// confined to the relay goroutine; all interaction is via channels.
type Relay struct {
	driver  *supervise.Owner
	regCh   chan registration
	downCh  chan supervise.Down
	notices chan Notice

	shutdownReq  chan struct{}
	shutdownOnce sync.Once

	exitOnce sync.Once
	done     chan struct{}
	reason   error
}

// Start launches a relay for the given driver. The relay monitors the
// driver itself: if the driver terminates unexpectedly, the relay
// force-kills everything it tracks and exits with the driver's reason.
func Start(driver *supervise.Owner) *Relay {
	r := &Relay{
		driver:      driver,
		regCh:       make(chan registration),
		downCh:      make(chan supervise.Down, 16),
		notices:     make(chan Notice),
		shutdownReq: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.run()
	return r
}

// Register tracks a new worker under the given slot and supervision
// mode. The relay installs its own monitor on the worker, so terminal
// notifications reach the relay even for workers that already died.
// Registration after relay exit is a no-op.
func (r *Relay) Register(slot int, mode supervise.Mode, w *supervise.Worker) {
	select {
	case r.regCh <- registration{slot: slot, mode: mode, worker: w}:
	case <-r.done:
	}
}

// Notices returns the single ordered channel of terminal notifications.
// It is closed when the relay exits.
func (r *Relay) Notices() <-chan Notice {
	return r.notices
}

// Shutdown asks the relay to force-terminate every worker it still
// tracks, await each worker's termination acknowledgment, and exit.
// It blocks until the relay has fully exited. Idempotent.
func (r *Relay) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownReq) })
	<-r.done
}

// Done returns a channel closed once the relay has exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Reason returns the relay's exit reason. ErrRelayShutdown marks a
// clean shutdown; anything else means the relay was lost. Only stable
// after Done closes.
func (r *Relay) Reason() error {
	select {
	case <-r.done:
		return r.reason
	default:
		return nil
	}
}

func (r *Relay) run() {
	tracked := make(map[uuid.UUID]registration)
	var pending []Notice

	// A bug in the relay loop must not strand the driver: surface the
	// panic as the relay's own loss reason.
	defer func() {
		if rec := recover(); rec != nil {
			r.exit(core.Classify(rec))
		}
	}()

	for {
		// The loop must keep servicing registrations while a notice
		// waits for the driver: the driver registers and receives from
		// the same single thread, so blocking on either side of it
		// wedges the session. Undelivered notices queue here, and the
		// send case arms only while the queue is non-empty (a nil
		// channel never selects).
		var out chan<- Notice
		var head Notice
		if len(pending) > 0 {
			out = r.notices
			head = pending[0]
		}

		select {
		case reg := <-r.regCh:
			reg.worker.Monitor(r.downCh)
			tracked[reg.worker.Ref()] = reg

		case d := <-r.downCh:
			reg, ok := tracked[d.Ref]
			if !ok {
				continue
			}
			delete(tracked, d.Ref)
			pending = append(pending, Notice{Slot: reg.slot, Reason: d.Reason})

		case out <- head:
			pending = pending[1:]

		case <-r.driver.Done():
			// Driver died. Linked workers are already being torn
			// down by fate propagation; kill the rest explicitly.
			// Queued notices are strays with no one to read them.
			r.killAll(tracked)
			r.exit(r.driver.Reason())
			return

		case <-r.shutdownReq:
			r.killAll(tracked)
			r.exit(ErrRelayShutdown)
			return
		}
	}
}

// killAll force-terminates every tracked worker and waits for each
// termination acknowledgment before returning.
func (r *Relay) killAll(tracked map[uuid.UUID]registration) {
	for _, reg := range tracked {
		reg.worker.Kill(core.ErrKilled)
	}
	for len(tracked) > 0 {
		d := <-r.downCh
		delete(tracked, d.Ref)
	}
}

func (r *Relay) exit(reason error) {
	r.exitOnce.Do(func() {
		r.reason = reason
		close(r.notices)
		close(r.done)
	})
}
