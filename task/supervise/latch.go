package supervise

import "sync"

// Latch is the fate-sharing primitive behind links. It trips at most
// once with a termination reason; both ends of a link observe the
// other's latch. Trip is safe for concurrent use and first-trip-wins.
type Latch struct {
	once   sync.Once
	done   chan struct{}
	reason error
}

// NewLatch creates an untripped latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trip records the reason and releases everyone waiting on Done.
// Subsequent trips are no-ops.
func (l *Latch) Trip(reason error) {
	l.once.Do(func() {
		l.reason = reason
		close(l.done)
	})
}

// Done returns a channel that is closed once the latch trips.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Tripped reports whether the latch has tripped.
func (l *Latch) Tripped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Reason returns the trip reason, or nil if the latch has not tripped.
// The reason is stable once Done is closed.
func (l *Latch) Reason() error {
	select {
	case <-l.done:
		return l.reason
	default:
		return nil
	}
}

// Owner identifies the spawning party of a handshake: a symbolic name
// for diagnostics plus the fate latch that represents its termination.
type Owner struct {
	name  string
	latch *Latch
}

// NewOwner creates an owner with the given symbolic name.
func NewOwner(name string) *Owner {
	return &Owner{name: name, latch: NewLatch()}
}

// Name returns the owner's symbolic name.
func (o *Owner) Name() string {
	return o.name
}

// Trip terminates the owner with the given reason.
func (o *Owner) Trip(reason error) {
	o.latch.Trip(reason)
}

// Done returns a channel closed once the owner has terminated.
func (o *Owner) Done() <-chan struct{} {
	return o.latch.Done()
}

// Tripped reports whether the owner has terminated.
func (o *Owner) Tripped() bool {
	return o.latch.Tripped()
}

// Reason returns the owner's termination reason, or nil while alive.
func (o *Owner) Reason() error {
	return o.latch.Reason()
}
