package supervise

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lguimbarda/taskflow/task/core"
)

const testWait = 2 * time.Second

// recordingReporter captures diagnostic records for assertions.
type recordingReporter struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recordingReporter) Report(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func (r *recordingReporter) last() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports[len(r.reports)-1]
}

func awaitExit(t *testing.T, w *Worker) error {
	t.Helper()
	select {
	case <-w.Exited():
		return w.Reason()
	case <-time.After(testWait):
		t.Fatal("worker did not exit in time")
		return nil
	}
}

func TestSpawnReplyEchoesToken(t *testing.T) {
	owner := NewOwner("test")
	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		return 42, nil
	})
	req.Start()

	select {
	case rep := <-req.Reply():
		if rep.Token != req.Token() {
			t.Errorf("reply token %v does not match request token %v", rep.Token, req.Token())
		}
		if rep.Value != 42 {
			t.Errorf("reply value = %d, want 42", rep.Value)
		}
	case <-time.After(testWait):
		t.Fatal("no reply")
	}

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, core.ErrNormal) {
		t.Errorf("worker reason = %v, want normal", reason)
	}
}

func TestSpawnReplyStartIdempotent(t *testing.T) {
	owner := NewOwner("test")
	req := SpawnReply(owner, None, GoSpawner{}, func(context.Context) (string, error) {
		return "once", nil
	})
	req.Start()
	req.Start()

	v, err := req.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if v != "once" {
		t.Errorf("Await() = %q, want once", v)
	}
}

func TestLinkDeadOwnerNeverRuns(t *testing.T) {
	rep := &recordingReporter{}
	owner := NewOwner("gone")
	owner.Trip(core.ErrNormal)

	ran := false
	req := SpawnReply(owner, Link, GoSpawner{}, func(context.Context) (int, error) {
		ran = true
		return 0, nil
	}, WithReporter(rep))
	req.Start()

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, core.ErrNoOwner) {
		t.Errorf("worker reason = %v, want no such owner", reason)
	}
	if ran {
		t.Error("work ran despite dead owner")
	}
	if rep.count() != 0 {
		t.Errorf("dead-owner shutdown emitted %d diagnostics, want 0", rep.count())
	}
}

func TestLinkHandshakeTimeout(t *testing.T) {
	owner := NewOwner("slow")
	req := SpawnReply(owner, Link, GoSpawner{}, func(context.Context) (int, error) {
		return 0, nil
	}, WithHandshakeTimeout(30*time.Millisecond))
	// Token deliberately never delivered.

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, core.ErrHandshakeTimeout) {
		t.Errorf("worker reason = %v, want handshake timeout", reason)
	}
}

func TestNoneModeWaitsUnbounded(t *testing.T) {
	owner := NewOwner("patient")
	req := SpawnReply(owner, None, GoSpawner{}, func(context.Context) (int, error) {
		return 7, nil
	}, WithHandshakeTimeout(10*time.Millisecond))

	// The bound applies to link mode only; a none-mode worker keeps
	// waiting well past it.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-req.Worker().Exited():
		t.Fatal("none-mode worker gave up waiting for its token")
	default:
	}

	req.Start()
	v, err := req.Await(context.Background())
	if err != nil || v != 7 {
		t.Errorf("Await() = (%d, %v), want (7, nil)", v, err)
	}
}

func TestMonitorOwnerDownBeforeToken(t *testing.T) {
	rep := &recordingReporter{}
	boom := errors.New("owner crashed")
	owner := NewOwner("doomed")

	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		return 0, nil
	}, WithReporter(rep))
	owner.Trip(boom)

	reason := awaitExit(t, req.Worker())
	if !errors.Is(reason, core.ErrShutdown) {
		t.Errorf("worker reason = %v, want induced shutdown", reason)
	}
	if !errors.Is(reason, boom) {
		t.Errorf("worker reason = %v, want owner reason attached", reason)
	}
	if rep.count() != 0 {
		t.Errorf("induced shutdown emitted %d diagnostics, want 0", rep.count())
	}
}

func TestCrashReportedExactlyOnce(t *testing.T) {
	rep := &recordingReporter{}
	owner := NewOwner("watcher")

	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		panic("kaput")
	}, WithReporter(rep))
	req.Start()

	reason := awaitExit(t, req.Worker())
	var pe core.PanicError
	if !errors.As(reason, &pe) {
		t.Fatalf("worker reason = %T, want PanicError", reason)
	}
	if pe.Value != "kaput" {
		t.Errorf("panic value = %v, want kaput", pe.Value)
	}

	if rep.count() != 1 {
		t.Fatalf("crash emitted %d diagnostics, want exactly 1", rep.count())
	}
	r := rep.last()
	if r.Owner != "watcher" {
		t.Errorf("report owner = %q, want watcher", r.Owner)
	}
	if r.Worker != req.Worker().Ref() {
		t.Errorf("report worker = %v, want %v", r.Worker, req.Worker().Ref())
	}
	if r.Callable == "" || r.Callable == "undefined" {
		t.Errorf("report callable = %q, want resolved function name", r.Callable)
	}
}

func TestReportCarriesArgs(t *testing.T) {
	rep := &recordingReporter{}
	owner := NewOwner("watcher")

	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		panic("kaput")
	}, WithReporter(rep), WithArgs("payload", 9))
	req.Start()
	awaitExit(t, req.Worker())

	if rep.count() != 1 {
		t.Fatalf("crash emitted %d diagnostics, want exactly 1", rep.count())
	}
	r := rep.last()
	if r.Args != "payload9" {
		t.Errorf("report args = %q, want payload9", r.Args)
	}
	if !strings.Contains(r.String(), "payload9") {
		t.Errorf("report string %q omits the arguments", r.String())
	}
}

func TestErrorReturnIsTerminationRequest(t *testing.T) {
	rep := &recordingReporter{}
	owner := NewOwner("test")
	boom := errors.New("bad input")

	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		return 0, boom
	}, WithReporter(rep))
	req.Start()

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, boom) {
		t.Errorf("worker reason = %v, want bad input", reason)
	}
	if rep.count() != 1 {
		t.Errorf("failure emitted %d diagnostics, want 1", rep.count())
	}
}

func TestShutdownReturnIsSilent(t *testing.T) {
	rep := &recordingReporter{}
	owner := NewOwner("test")

	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		return 0, core.Shutdown(nil)
	}, WithReporter(rep))
	req.Start()

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, core.ErrShutdown) {
		t.Errorf("worker reason = %v, want shutdown", reason)
	}
	if rep.count() != 0 {
		t.Errorf("shutdown emitted %d diagnostics, want 0", rep.count())
	}
}

func TestNilWorkReportedAsUndefined(t *testing.T) {
	rep := &recordingReporter{}
	owner := NewOwner("test")

	req := SpawnReply[int](owner, Monitor, GoSpawner{}, nil, WithReporter(rep))
	req.Start()

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, core.ErrUndefined) {
		t.Errorf("worker reason = %v, want undefined", reason)
	}
	if rep.count() != 1 {
		t.Fatalf("undefined work emitted %d diagnostics, want 1", rep.count())
	}
	if r := rep.last(); !strings.Contains(r.Reason.Error(), "nil function") {
		t.Errorf("report reason = %v, want nil-function re-diagnosis", r.Reason)
	}
}

func TestKillBeforeStart(t *testing.T) {
	owner := NewOwner("test")
	die := errors.New("die")

	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		return 0, nil
	})
	req.Worker().Kill(die)

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, die) {
		t.Errorf("worker reason = %v, want die", reason)
	}
}

func TestKillInterruptsRunningWork(t *testing.T) {
	owner := NewOwner("test")
	req := SpawnReply(owner, Monitor, GoSpawner{}, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, context.Cause(ctx)
	})
	req.Start()

	time.Sleep(10 * time.Millisecond)
	req.Worker().Kill(core.ErrKilled)

	if reason := awaitExit(t, req.Worker()); !errors.Is(reason, core.ErrKilled) {
		t.Errorf("worker reason = %v, want killed", reason)
	}
}

func TestLinkPropagatesAbnormalExit(t *testing.T) {
	owner := NewOwner("linked")
	req := SpawnReply(owner, Link, GoSpawner{}, func(context.Context) (int, error) {
		panic("cascade")
	})
	req.Start()

	awaitExit(t, req.Worker())
	select {
	case <-owner.Done():
		var pe core.PanicError
		if !errors.As(owner.Reason(), &pe) {
			t.Errorf("owner reason = %v, want the worker's panic", owner.Reason())
		}
	case <-time.After(testWait):
		t.Fatal("abnormal worker exit did not propagate over the link")
	}
}

func TestLinkDoesNotPropagateNormalExit(t *testing.T) {
	owner := NewOwner("linked")
	req := SpawnReply(owner, Link, GoSpawner{}, func(context.Context) (int, error) {
		return 1, nil
	})
	req.Start()

	awaitExit(t, req.Worker())
	time.Sleep(20 * time.Millisecond)
	if owner.Tripped() {
		t.Error("normal worker exit propagated over the link")
	}
}

func TestUnlinkDetachesFate(t *testing.T) {
	owner := NewOwner("detached")
	req := SpawnReply(owner, Link, GoSpawner{}, func(context.Context) (int, error) {
		panic("contained")
	})
	req.Drop()
	req.Start()

	awaitExit(t, req.Worker())
	time.Sleep(20 * time.Millisecond)
	if owner.Tripped() {
		t.Error("detached link still propagated the crash")
	}
}

func TestSpawnFireAndForget(t *testing.T) {
	rep := &recordingReporter{}
	done := make(chan struct{})

	w := Spawn(GoSpawner{}, func(context.Context) (int, error) {
		close(done)
		return 9, nil
	}, WithReporter(rep))

	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("fire-and-forget work never ran")
	}
	if reason := awaitExit(t, w); !errors.Is(reason, core.ErrNormal) {
		t.Errorf("worker reason = %v, want normal", reason)
	}
	if rep.count() != 0 {
		t.Errorf("normal exit emitted %d diagnostics, want 0", rep.count())
	}
}

func TestSpawnFireAndForgetStillReportsCrashes(t *testing.T) {
	rep := &recordingReporter{}
	w := Spawn(GoSpawner{}, func(context.Context) (int, error) {
		panic("unowned crash")
	}, WithReporter(rep))

	awaitExit(t, w)
	if rep.count() != 1 {
		t.Errorf("crash emitted %d diagnostics, want 1", rep.count())
	}
	if r := rep.last(); r.Owner != "" {
		t.Errorf("report owner = %q, want empty for fire-and-forget", r.Owner)
	}
}

func TestAwaitReturnsWorkerFailure(t *testing.T) {
	owner := NewOwner("test")
	boom := errors.New("boom")
	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		return 0, boom
	})
	req.Start()

	_, err := req.Await(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Await() error = %v, want boom", err)
	}
}

func TestMonitorAfterExit(t *testing.T) {
	owner := NewOwner("test")
	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		return 1, nil
	})
	req.Start()
	awaitExit(t, req.Worker())

	ch := make(chan Down, 1)
	req.Worker().Monitor(ch)
	select {
	case d := <-ch:
		if d.Ref != req.Worker().Ref() {
			t.Errorf("down ref = %v, want %v", d.Ref, req.Worker().Ref())
		}
		if !errors.Is(d.Reason, core.ErrNormal) {
			t.Errorf("down reason = %v, want normal", d.Reason)
		}
	case <-time.After(testWait):
		t.Fatal("monitor on dead worker delivered nothing")
	}
}

func TestDemonitorStopsNotification(t *testing.T) {
	owner := NewOwner("test")
	release := make(chan struct{})
	req := SpawnReply(owner, Monitor, GoSpawner{}, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ch := make(chan Down, 1)
	req.Worker().Monitor(ch)
	req.Worker().Demonitor(ch)

	req.Start()
	close(release)
	awaitExit(t, req.Worker())

	select {
	case <-ch:
		t.Error("demonitored channel still received a notification")
	case <-time.After(50 * time.Millisecond):
	}
}
