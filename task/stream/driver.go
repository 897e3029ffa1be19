package stream

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/lguimbarda/taskflow/task/core"
	"github.com/lguimbarda/taskflow/task/observe"
	"github.com/lguimbarda/taskflow/task/relay"
	"github.com/lguimbarda/taskflow/task/supervise"
)

// Work is the per-item work descriptor. The context is cancelled when
// the worker is killed; cooperative work should honor it.
type Work[I, O any] func(context.Context, I) (O, error)

// Verdict is a reducer's control signal back to the driver.
type Verdict int

const (
	// Cont continues the reduction with the next outcome.
	Cont Verdict = iota

	// Suspend hands control back to the caller with a resumption
	// continuation. This is the sole cooperative-yield point the
	// driver exposes.
	Suspend

	// Halt stops the reduction, tears the session down, and returns
	// the accumulator.
	Halt
)

// Reducer consumes outcomes strictly in input order and decides how
// the reduction proceeds.
type Reducer[O, A any] func(core.Outcome[O], A) (Verdict, A)

// Status tags a finished (or parked) reduction.
type Status int

const (
	// Done: input exhausted and every outcome delivered.
	Done Status = iota

	// Halted: stopped early by the reducer, the caller, or a fatal
	// session error.
	Halted

	// Suspended: parked by the reducer; Resume re-enters the state
	// machine exactly where it left off.
	Suspended
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case Halted:
		return "halted"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Reduction is the result of Reduce. For Suspended reductions, Resume
// continues the session and Close abandons it; both are single-shot.
type Reduction[A any] struct {
	Status Status
	Acc    A

	resume func() (Reduction[A], error)
	halt   func() (A, error)
}

// Resume re-enters a suspended reduction at the point it yielded.
func (r Reduction[A]) Resume() (Reduction[A], error) {
	if r.resume == nil {
		return r, fmt.Errorf("stream: reduction is not suspended")
	}
	return r.resume()
}

// Close abandons a suspended reduction: it runs the close protocol and
// returns the accumulator as it stood at suspension. Closing a
// non-suspended reduction is a no-op.
func (r Reduction[A]) Close() (A, error) {
	if r.halt == nil {
		return r.Acc, nil
	}
	return r.halt()
}

// driver states. The driver is single-threaded and cooperative: it
// never runs work on its own execution context, it only spawns, waits,
// and reduces.
type state int

const (
	stateContinuing state = iota
	stateDelivering
	stateSuspended
	stateHalted
	stateDone
)

type slotStatus int

const (
	slotRunning slotStatus = iota
	slotCompleted
	slotFailed
)

// entry is one worker descriptor in the reorder buffer. Owned by the
// driver; mutated only in response to relay notifications.
type entry[O any] struct {
	req    *supervise.Request[O]
	status slotStatus
	value  O
	reason error
}

type driver[I, O, A any] struct {
	ctx      context.Context
	cfg      Config
	hooks    observe.Invoker
	reporter supervise.Reporter

	owner *supervise.Owner
	relay *relay.Relay

	next func() (I, bool)
	stop func()

	work   Work[I, O]
	reduce Reducer[O, A]
	acc    A

	state     state
	budget    int
	nextSlot  int
	watermark int
	buf       map[int]*entry[O]
	inputDone bool
	closed    bool
}

// Reduce lazily consumes seq, runs work on each item via the handshake
// protocol on supervised workers capped at MaxConcurrency, and feeds
// reduce strictly in input order regardless of completion order.
//
// Worker failures are data: they arrive at the reducer as exit
// outcomes and free capacity for a replacement worker immediately.
// Session-level failures (relay loss, session timeout, context
// cancellation) tear the whole session down and return an error.
func Reduce[I, O, A any](ctx context.Context, seq iter.Seq[I], work Work[I, O], acc A, reduce Reducer[O, A], opts ...Option) (Reduction[A], error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return Reduction[A]{Status: Halted, Acc: acc}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	hooks := observe.NewInvoker(ctx)
	next, stop := iter.Pull(seq)
	owner := supervise.NewOwner("taskflow.stream")

	d := &driver[I, O, A]{
		ctx:      ctx,
		cfg:      cfg,
		hooks:    hooks,
		reporter: fanReporter(cfg.Reporter, hooks),
		owner:    owner,
		relay:    relay.Start(owner),
		next:     next,
		stop:     stop,
		work:     work,
		reduce:   reduce,
		acc:      acc,
		state:    stateContinuing,
		budget:   cfg.MaxConcurrency,
		buf:      make(map[int]*entry[O]),
	}
	return d.run()
}

// fanReporter routes crash diagnostics to the configured reporter and
// to the OnCrash hooks on the context.
func fanReporter(rep supervise.Reporter, hooks observe.Invoker) supervise.Reporter {
	return supervise.ReporterFunc(func(r supervise.Report) {
		if rep != nil {
			rep.Report(r)
		}
		hooks.Crash(r)
	})
}

// run is the state machine loop. Each iteration dispatches on the
// current state; recursive self-calls in favor of explicit
// transitions are deliberately absent.
func (d *driver[I, O, A]) run() (Reduction[A], error) {
	for {
		switch d.state {
		case stateContinuing:
			if !d.inputDone && d.budget > 0 {
				item, ok := d.next()
				if !ok {
					d.inputDone = true
					continue
				}
				d.spawn(item)
				continue
			}
			if d.inputDone && len(d.buf) == 0 {
				d.state = stateDone
				continue
			}
			// All capacity busy, or input exhausted with results
			// still in flight: block for the next notification.
			if err := d.await(); err != nil {
				d.close()
				return Reduction[A]{Status: Halted, Acc: d.acc}, err
			}
			d.state = stateDelivering

		case stateDelivering:
			switch d.deliver() {
			case Cont:
				d.state = stateContinuing
			case Suspend:
				d.state = stateSuspended
			case Halt:
				d.state = stateHalted
			}

		case stateSuspended:
			return Reduction[A]{
				Status: Suspended,
				Acc:    d.acc,
				resume: func() (Reduction[A], error) {
					d.state = stateDelivering
					return d.run()
				},
				halt: func() (A, error) {
					d.state = stateHalted
					red, err := d.run()
					return red.Acc, err
				},
			}, nil

		case stateHalted:
			d.close()
			return Reduction[A]{Status: Halted, Acc: d.acc}, nil

		case stateDone:
			d.close()
			return Reduction[A]{Status: Done, Acc: d.acc}, nil
		}
	}
}

// spawn assigns the next slot, performs the handshake, and registers
// the worker with the relay before releasing it to run.
func (d *driver[I, O, A]) spawn(item I) {
	slot := d.nextSlot
	d.nextSlot++

	var handshake time.Duration
	if !d.cfg.Unbounded {
		handshake = d.cfg.Timeout
	}

	req := supervise.SpawnReply(d.owner, d.cfg.Mode, d.cfg.Spawner,
		func(ctx context.Context) (O, error) {
			return d.work(ctx, item)
		},
		supervise.WithReporter(d.reporter),
		supervise.WithHandshakeTimeout(handshake),
		supervise.WithArgs(item),
	)
	d.relay.Register(slot, d.cfg.Mode, req.Worker())
	req.Start()

	d.buf[slot] = &entry[O]{req: req, status: slotRunning}
	d.budget--
	d.hooks.Spawn(slot)
}

// await blocks for the next relay notification, honoring the session
// timeout. Any returned error is fatal to the whole operation.
func (d *driver[I, O, A]) await() error {
	var timeoutC <-chan time.Time
	if !d.cfg.Unbounded {
		t := time.NewTimer(d.cfg.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case n, ok := <-d.relay.Notices():
		if !ok {
			return core.RelayLostError{Reason: d.relay.Reason()}
		}
		d.settle(n)
		return nil

	case <-timeoutC:
		return core.ErrSessionTimeout

	case <-d.ctx.Done():
		return context.Cause(d.ctx)

	case <-d.owner.Done():
		// Link-propagated failure from a fate-shared worker.
		return d.owner.Reason()
	}
}

// settle records a terminal notification at its slot. A worker that
// replied with a matching token completed; anything else failed with
// the notification's reason. Failure releases one budget unit
// immediately so a replacement worker may spawn.
func (d *driver[I, O, A]) settle(n relay.Notice) {
	e, ok := d.buf[n.Slot]
	if !ok || e.status != slotRunning {
		// Stray notification for an already-settled or delivered
		// slot; drop it.
		return
	}
	if rep, ok := e.req.TryReply(); ok {
		e.status = slotCompleted
		e.value = rep.Value
		return
	}
	e.status = slotFailed
	e.reason = n.Reason
	d.budget++
}

// deliver drains the reorder buffer from the watermark: only present,
// terminal slots are fed to the reducer, strictly in slot order.
func (d *driver[I, O, A]) deliver() Verdict {
	for {
		e, ok := d.buf[d.watermark]
		if !ok || e.status == slotRunning {
			return Cont
		}

		var out core.Outcome[O]
		if e.status == slotCompleted {
			out = core.Ok(e.value)
		} else {
			out = core.Exit[O](e.reason)
		}

		verdict, acc := d.callReduce(out)
		d.acc = acc
		d.hooks.Outcome(d.watermark, e.status == slotFailed)

		// The delivered entry leaves the buffer exactly once; a
		// completed worker's capacity frees here, at delivery.
		delete(d.buf, d.watermark)
		if e.status == slotCompleted {
			d.budget++
		}
		d.watermark++

		switch verdict {
		case Suspend:
			return Suspend
		case Halt:
			return Halt
		}
	}
}

// callReduce invokes the reducer with resource safety: a raising
// reducer runs the close protocol before the panic propagates.
func (d *driver[I, O, A]) callReduce(out core.Outcome[O]) (Verdict, A) {
	defer func() {
		if r := recover(); r != nil {
			d.close()
			panic(r)
		}
	}()
	return d.reduce(out, d.acc)
}

// close is the idempotent shutdown sequence: detach supervision links
// from buffered workers, have the relay force-terminate and await
// every worker it still tracks, then discard stray notifications.
func (d *driver[I, O, A]) close() {
	if d.closed {
		return
	}
	d.closed = true

	d.stop()
	for _, e := range d.buf {
		e.req.Drop()
	}
	d.relay.Shutdown()
	for range d.relay.Notices() {
		// Stray notifications raced the relay's exit; discard.
	}
	d.owner.Trip(core.ErrNormal)
	d.hooks.Close()
}
