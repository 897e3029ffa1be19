// Package observe provides typed lifecycle hooks for supervised task
// streams. Hooks ride on the context and are invoked synchronously by
// the stream driver, so they should be fast to avoid blocking the
// pipeline. The package itself has no dependencies beyond the standard
// library; bridging hooks to a metrics backend (e.g. OpenTelemetry
// counters and histograms) is left to the caller.
package observe

import (
	"context"

	"github.com/lguimbarda/taskflow/task/supervise"
)

// Hooks holds observation callbacks for one streaming session.
// All fields are optional - nil means no observation for that event.
type Hooks struct {
	// OnSpawn fires when a worker is spawned for a slot.
	OnSpawn func(slot int)

	// OnOutcome fires when a slot's outcome is delivered to the
	// reducer. exited is true for failure outcomes.
	OnOutcome func(slot int, exited bool)

	// OnCrash fires for every diagnostic record emitted by a worker.
	OnCrash func(supervise.Report)

	// OnClose fires once when the session's close protocol runs.
	OnClose func()
}

// hooksKey is unexported to prevent collisions with user context keys.
type hooksKey struct{}

// container holds multiple hook sets for FIFO invocation.
type container struct {
	hookSets []*Hooks
}

// WithHooks attaches hooks to the context. Multiple calls compose in
// FIFO order - hooks from earlier calls are invoked before hooks from
// later calls.
func WithHooks(ctx context.Context, hooks Hooks) context.Context {
	if ctx == nil {
		panic("nil context")
	}

	existing := getContainer(ctx)
	if existing == nil {
		return context.WithValue(ctx, hooksKey{}, &container{
			hookSets: []*Hooks{&hooks},
		})
	}

	next := &container{hookSets: make([]*Hooks, len(existing.hookSets)+1)}
	copy(next.hookSets, existing.hookSets)
	next.hookSets[len(existing.hookSets)] = &hooks
	return context.WithValue(ctx, hooksKey{}, next)
}

func getContainer(ctx context.Context) *container {
	if ctx == nil {
		return nil
	}
	if c, ok := ctx.Value(hooksKey{}).(*container); ok {
		return c
	}
	return nil
}

// Invoker dispatches events to every hook set on a context. The zero
// Invoker is valid and dispatches nothing.
type Invoker struct {
	container *container
}

// NewInvoker captures the hooks present on ctx. Call once at session
// start; invocation is then allocation-free.
func NewInvoker(ctx context.Context) Invoker {
	return Invoker{container: getContainer(ctx)}
}

// Spawn dispatches an OnSpawn event.
func (i Invoker) Spawn(slot int) {
	if i.container == nil {
		return
	}
	for _, h := range i.container.hookSets {
		if h.OnSpawn != nil {
			h.OnSpawn(slot)
		}
	}
}

// Outcome dispatches an OnOutcome event.
func (i Invoker) Outcome(slot int, exited bool) {
	if i.container == nil {
		return
	}
	for _, h := range i.container.hookSets {
		if h.OnOutcome != nil {
			h.OnOutcome(slot, exited)
		}
	}
}

// Crash dispatches an OnCrash event.
func (i Invoker) Crash(r supervise.Report) {
	if i.container == nil {
		return
	}
	for _, h := range i.container.hookSets {
		if h.OnCrash != nil {
			h.OnCrash(r)
		}
	}
}

// Close dispatches an OnClose event.
func (i Invoker) Close() {
	if i.container == nil {
		return
	}
	for _, h := range i.container.hookSets {
		if h.OnClose != nil {
			h.OnClose()
		}
	}
}

// Reporter adapts the hooks on ctx into a supervise.Reporter, fanning
// each diagnostic record to the OnCrash hooks.
func Reporter(ctx context.Context) supervise.Reporter {
	inv := NewInvoker(ctx)
	return supervise.ReporterFunc(func(r supervise.Report) {
		inv.Crash(r)
	})
}
