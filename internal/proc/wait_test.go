package proc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	stdruntime "runtime"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/jobshell/internal/status"
)

func testNow() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("job control tests skipped on windows")
	}
	opts = append([]Option{WithPollInterval(50 * time.Millisecond)}, opts...)
	m := New(opts...)
	t.Cleanup(m.Close)
	return m
}

func forkShell(t *testing.T, m *Manager, script string) int {
	t.Helper()
	pid, err := m.Fork(Spawn{Path: "/bin/sh", Args: []string{"sh", "-c", script}})
	if err != nil {
		t.Fatalf("fork %q: %v", script, err)
	}
	return pid
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWaitJobReturnsMembersInForkOrder(t *testing.T) {
	for _, mode := range []WaiterMode{WaiterGroup, WaiterDegraded} {
		m := newTestManager(t, WithWaiterMode(mode))

		var pgid int
		err := m.WithJobScope(true, func(s *Scope) error {
			forkShell(t, m, "exit 0")
			forkShell(t, m, "sleep 0.1; exit 1")
			forkShell(t, m, "exit 2")
			pgid, _ = s.Job()
			return nil
		})
		if err != nil {
			t.Fatalf("job scope: %v", err)
		}
		if pgid == 0 {
			t.Fatalf("expected scope to create a job")
		}
		if got := len(m.FindJob(pgid).Procs); got != 3 {
			t.Fatalf("expected 3 members, got %d", got)
		}

		res, err := m.Wait(waitCtx(t), -pgid, WaitOptions{})
		if err != nil {
			t.Fatalf("mode %d: wait: %v", mode, err)
		}
		if want := (status.Value{"0", "1", "2"}); !reflect.DeepEqual(res.Status, want) {
			t.Fatalf("mode %d: status = %v, want %v", mode, res.Status, want)
		}
		if res.Pid != -pgid {
			t.Fatalf("mode %d: result pid = %d, want %d", mode, res.Pid, -pgid)
		}
		if m.FindJob(pgid) != nil {
			t.Fatalf("mode %d: dead job should be freed", mode)
		}
	}
}

func TestWaitMemberPidWaitsWholeJob(t *testing.T) {
	m := newTestManager(t)

	var second int
	_ = m.WithJobScope(true, func(*Scope) error {
		forkShell(t, m, "sleep 0.1; exit 4")
		second = forkShell(t, m, "exit 5")
		return nil
	})

	res, err := m.Wait(waitCtx(t), second, WaitOptions{})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if want := (status.Value{"4", "5"}); !reflect.DeepEqual(res.Status, want) {
		t.Fatalf("status = %v, want %v", res.Status, want)
	}
}

func TestWaitStoppedJobThenContinue(t *testing.T) {
	m := newTestManager(t)

	var pgid int
	_ = m.WithJobScope(true, func(s *Scope) error {
		forkShell(t, m, "kill -STOP $$; exit 3")
		pgid, _ = s.Job()
		return nil
	})

	res, err := m.Wait(waitCtx(t), -pgid, WaitOptions{})
	if err != nil {
		t.Fatalf("wait for stop: %v", err)
	}
	if want := (status.Value{"sigstop"}); !reflect.DeepEqual(res.Status, want) {
		t.Fatalf("status = %v, want %v", res.Status, want)
	}
	j := m.FindJob(pgid)
	if j == nil || !j.Stopped || !j.Alive {
		t.Fatalf("stopped job must stay tracked, got %+v", j)
	}

	// a second plain wait reports the same stop without blocking
	again, err := m.Wait(waitCtx(t), -pgid, WaitOptions{})
	if err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if !reflect.DeepEqual(again.Status, res.Status) {
		t.Fatalf("second wait = %v, want %v", again.Status, res.Status)
	}

	final, err := m.Wait(waitCtx(t), -pgid, WaitOptions{Continue: true})
	if err != nil {
		t.Fatalf("continue wait: %v", err)
	}
	if want := (status.Value{"3"}); !reflect.DeepEqual(final.Status, want) {
		t.Fatalf("final status = %v, want %v", final.Status, want)
	}
	if m.FindJob(pgid) != nil {
		t.Fatalf("job should be freed after it exits")
	}
}

func TestWaitNoHangWithoutChildren(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Wait(waitCtx(t), 0, WaitOptions{NoHang: true})
	if err != nil {
		t.Fatalf("wait -n: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("expected empty status, got %v", res.Status)
	}

	res, err = m.Wait(waitCtx(t), 0, WaitOptions{})
	if err != nil || !res.Empty() {
		t.Fatalf("blocking wait with nothing running = %v, %v; want empty", res.Status, err)
	}
}

func TestWaitAnyUngrouped(t *testing.T) {
	m := newTestManager(t)
	pid := forkShell(t, m, "exit 7")

	res, err := m.Wait(waitCtx(t), 0, WaitOptions{})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Pid != pid || !reflect.DeepEqual(res.Status, status.Value{"7"}) {
		t.Fatalf("wait = %d %v, want %d [7]", res.Pid, res.Status, pid)
	}
	if m.FindProcess(pid) != nil {
		t.Fatalf("dead ungrouped process should be forgotten")
	}
}

func TestWaitSignaledProcess(t *testing.T) {
	m := newTestManager(t)
	pid := forkShell(t, m, "kill -TERM $$")

	res, err := m.Wait(waitCtx(t), pid, WaitOptions{})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !reflect.DeepEqual(res.Status, status.Value{"sigterm"}) {
		t.Fatalf("status = %v, want [sigterm]", res.Status)
	}
	if status.IsTrue(res.Status) {
		t.Fatalf("signal status must be false")
	}
}

func TestWaitNotChild(t *testing.T) {
	for _, mode := range []WaiterMode{WaiterGroup, WaiterDegraded} {
		m := newTestManager(t, WithWaiterMode(mode))
		sibling := forkShell(t, m, "sleep 5")

		for _, target := range []int{1, -999999} {
			_, err := m.Wait(waitCtx(t), target, WaitOptions{})
			if !errors.Is(err, ErrNotChild) {
				t.Fatalf("mode %d target %d: expected ErrNotChild, got %v", mode, target, err)
			}
			if want := fmt.Sprintf("%d is not a child of this shell", target); err.Error() != want {
				t.Fatalf("mode %d: message %q, want %q", mode, err.Error(), want)
			}
		}

		if err := m.Signal(sibling, unix.SIGKILL); err != nil {
			t.Fatalf("kill: %v", err)
		}
		if _, err := m.Wait(waitCtx(t), sibling, WaitOptions{}); err != nil {
			t.Fatalf("mode %d: cleanup wait: %v", mode, err)
		}
	}
}

func TestWaitContinueNeedsTarget(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Wait(waitCtx(t), 0, WaitOptions{Continue: true}); !errors.Is(err, ErrContinueNeedsTarget) {
		t.Fatalf("expected ErrContinueNeedsTarget, got %v", err)
	}
}

type fakeInterrupter struct {
	wake chan struct{}
	err  error
}

func (f *fakeInterrupter) Pending() <-chan struct{} { return f.wake }
func (f *fakeInterrupter) Check() error             { return f.err }

func TestWaitInterruptible(t *testing.T) {
	intr := &fakeInterrupter{wake: make(chan struct{}, 1), err: errors.New("interrupted")}
	m := newTestManager(t, WithInterrupter(intr))
	pid := forkShell(t, m, "sleep 5")

	intr.wake <- struct{}{}
	_, err := m.Wait(waitCtx(t), pid, WaitOptions{Interruptible: true})
	if err == nil || err.Error() != "interrupted" {
		t.Fatalf("expected interrupt error, got %v", err)
	}
	if p := m.FindProcess(pid); p == nil || !p.Alive {
		t.Fatalf("interrupted wait must leave the child tracked")
	}

	if err := m.Signal(pid, unix.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	res, err := m.Wait(waitCtx(t), pid, WaitOptions{})
	if err != nil || !reflect.DeepEqual(res.Status, status.Value{"sigkill"}) {
		t.Fatalf("cleanup wait = %v, %v", res.Status, err)
	}
}

func TestWaitUninterruptibleRetries(t *testing.T) {
	intr := &fakeInterrupter{wake: make(chan struct{}, 1), err: errors.New("interrupted")}
	m := newTestManager(t, WithInterrupter(intr))
	pid := forkShell(t, m, "sleep 0.2; exit 9")

	intr.wake <- struct{}{}
	res, err := m.Wait(waitCtx(t), pid, WaitOptions{})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !reflect.DeepEqual(res.Status, status.Value{"9"}) {
		t.Fatalf("status = %v, want [9]", res.Status)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	m := newTestManager(t)
	pid := forkShell(t, m, "sleep 5")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.Wait(ctx, pid, WaitOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	_ = m.Signal(pid, unix.SIGKILL)
	if _, err := m.Wait(waitCtx(t), pid, WaitOptions{}); err != nil {
		t.Fatalf("cleanup wait: %v", err)
	}
}

func TestForkEmitsEvents(t *testing.T) {
	var events []Event
	m := newTestManager(t, WithObserver(func(e Event) { events = append(events, e) }))

	var pgid int
	_ = m.WithJobScope(true, func(s *Scope) error {
		forkShell(t, m, "exit 0")
		pgid, _ = s.Job()
		return nil
	})
	if _, err := m.Wait(waitCtx(t), -pgid, WaitOptions{}); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []EventType{EventForked, EventExited, EventFreed}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if events[0].Pgid != pgid {
		t.Fatalf("forked event pgid = %d, want %d", events[0].Pgid, pgid)
	}
}

func TestForkInactiveScopeStaysUngrouped(t *testing.T) {
	m := newTestManager(t)
	var pid int
	_ = m.WithJobScope(false, func(*Scope) error {
		pid = forkShell(t, m, "exit 0")
		return nil
	})
	if len(m.Jobs()) != 0 {
		t.Fatalf("inactive scope must not create a job")
	}
	if _, ok := m.PidToGroup(pid); ok {
		t.Fatalf("pid %d should be ungrouped", pid)
	}
	if _, err := m.Wait(waitCtx(t), pid, WaitOptions{}); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestForkEmptyCommand(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Fork(Spawn{}); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

type countingTerminal struct {
	taken    []int
	restores int
}

func (c *countingTerminal) Take(pgid int) error {
	c.taken = append(c.taken, pgid)
	return nil
}

func (c *countingTerminal) Restore() error {
	c.restores++
	return nil
}

func (c *countingTerminal) Fd() int { return -1 }

func TestWaitTransfersTerminalAroundJob(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		opts      WaitOptions
		timeout   time.Duration
		interrupt bool
		wantErr   bool
		wantTakes int
	}{
		{name: "exit", script: "exit 0", wantTakes: 1},
		{name: "deadline", script: "sleep 5", timeout: 100 * time.Millisecond, wantErr: true, wantTakes: 1},
		{name: "interrupt", script: "sleep 5", opts: WaitOptions{Interruptible: true}, interrupt: true, wantErr: true, wantTakes: 1},
		{name: "no hang", script: "sleep 5", opts: WaitOptions{NoHang: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			term := &countingTerminal{}
			intr := &fakeInterrupter{wake: make(chan struct{}, 1), err: errors.New("interrupted")}
			m := newTestManager(t, WithTerminal(term), WithInterrupter(intr))

			var pgid int
			_ = m.WithJobScope(true, func(s *Scope) error {
				forkShell(t, m, tc.script)
				pgid, _ = s.Job()
				return nil
			})
			t.Cleanup(func() {
				if m.FindJob(pgid) == nil {
					return
				}
				_ = m.Signal(-pgid, unix.SIGKILL)
				_, _ = m.Wait(context.Background(), -pgid, WaitOptions{})
			})

			if tc.interrupt {
				intr.wake <- struct{}{}
			}
			ctx := waitCtx(t)
			if tc.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tc.timeout)
				defer cancel()
			}

			_, err := m.Wait(ctx, -pgid, tc.opts)
			if (err != nil) != tc.wantErr {
				t.Fatalf("wait error = %v, wantErr %v", err, tc.wantErr)
			}
			if len(term.taken) != tc.wantTakes || term.restores != tc.wantTakes {
				t.Fatalf("takes = %v restores = %d, want %d of each", term.taken, term.restores, tc.wantTakes)
			}
			for _, got := range term.taken {
				if got != pgid {
					t.Fatalf("terminal given to %d, want %d", got, pgid)
				}
			}
		})
	}
}

func TestWaitECHILDAfterEINTRIsEmpty(t *testing.T) {
	m := newTestManager(t)
	m.addProc(&Proc{Pid: 424242, Alive: true})

	calls := 0
	m.wait4 = func(int, *unix.WaitStatus, int, *unix.Rusage) (int, error) {
		calls++
		if calls == 1 {
			return -1, unix.EINTR
		}
		return -1, unix.ECHILD
	}
	res, err := m.Wait(waitCtx(t), 0, WaitOptions{})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Empty() || calls != 2 {
		t.Fatalf("wait = %v after %d calls, want empty after 2", res.Status, calls)
	}

	m.wait4 = func(int, *unix.WaitStatus, int, *unix.Rusage) (int, error) {
		return -1, unix.ECHILD
	}
	if _, err := m.Wait(waitCtx(t), 0, WaitOptions{}); !errors.Is(err, unix.ECHILD) {
		t.Fatalf("ECHILD without EINTR = %v, want ECHILD error", err)
	}
}

func TestSignalContinueReapedTarget(t *testing.T) {
	m := newTestManager(t)
	pid := forkShell(t, m, "exit 0")
	if _, err := m.Wait(waitCtx(t), pid, WaitOptions{}); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if err := m.Signal(pid, unix.SIGCONT); err != nil {
		t.Fatalf("continue reaped pid: %v", err)
	}
	if err := m.Signal(pid, unix.SIGTERM); !errors.Is(err, unix.ESRCH) {
		t.Fatalf("terminate reaped pid = %v, want ESRCH", err)
	}
}

func TestDegradedContinueWaitReportsDeadJob(t *testing.T) {
	m := newTestManager(t, WithWaiterMode(WaiterDegraded))

	var pgid int
	_ = m.WithJobScope(true, func(s *Scope) error {
		forkShell(t, m, "exit 2")
		pgid, _ = s.Job()
		return nil
	})
	other := forkShell(t, m, "sleep 0.3; exit 1")

	// the any-child waiter reaps the job member while waiting for other
	if _, err := m.Wait(waitCtx(t), other, WaitOptions{}); err != nil {
		t.Fatalf("wait other: %v", err)
	}
	if j := m.FindJob(pgid); j == nil || j.Alive {
		t.Fatalf("job should be tracked and dead, got %+v", j)
	}

	res, err := m.Wait(waitCtx(t), -pgid, WaitOptions{Continue: true})
	if err != nil {
		t.Fatalf("continue wait: %v", err)
	}
	if !reflect.DeepEqual(res.Status, status.Value{"2"}) {
		t.Fatalf("status = %v, want [2]", res.Status)
	}
}
