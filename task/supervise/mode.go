// Package supervise implements the worker unit and the handshake
// protocol: spawning one lightweight worker, establishing a
// failure-propagation relationship with its owner, and synchronously
// exchanging a single-use correlation token before the work runs.
package supervise

// Mode is the supervision relationship between a worker and its owner.
// It is fixed at spawn time and never changes afterward.
type Mode int

const (
	// None is fire-and-forget: neither party observes the other.
	None Mode = iota

	// Link is bidirectional fate sharing: abnormal termination of
	// either party forcibly terminates the other. Normal and
	// shutdown-shaped terminations do not propagate.
	Link

	// Monitor is unidirectional: termination of the monitored party
	// delivers a notification without propagating termination.
	Monitor
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Link:
		return "link"
	case Monitor:
		return "monitor"
	default:
		return "unknown"
	}
}
