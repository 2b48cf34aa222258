package proc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/metrics"
	"github.com/Paintersrp/jobshell/internal/status"
)

var (
	// ErrNotChild reports a wait target that is not a child of the shell.
	ErrNotChild = errors.New("not a child of this shell")
	// ErrNotJobMember reports a pid that belongs to no job.
	ErrNotJobMember = errors.New("not a job member")
	// ErrContinueNeedsTarget rejects continuing "any" child.
	ErrContinueNeedsTarget = errors.New("continue requires a pid or job")
)

// WaitOptions modify a Wait.
type WaitOptions struct {
	// Interruptible lets a pending interrupt abort the wait.
	Interruptible bool
	// Continue sends SIGCONT to the target before waiting.
	Continue bool
	// NoHang returns immediately when nothing has changed state.
	NoHang bool
}

// Result is the outcome of a Wait. Pid is the reaped pid, or the negated
// pgid when the status covers several members of a job. A zero Result means
// nothing was collected.
type Result struct {
	Pid    int
	Status status.Value
}

// Empty reports whether nothing was collected.
func (r Result) Empty() bool {
	return len(r.Status) == 0
}

// Wait blocks until target changes state and returns its status. Target is
// a pid, a negated pgid, or zero for any child. A target that belongs to a
// job is waited as the whole job: the result holds one entry per member,
// oldest first, once every member is dead or stopped. A job found all-dead
// is freed. While a blocking wait on a job runs, the job owns the terminal.
func (m *Manager) Wait(ctx context.Context, target int, opts WaitOptions) (res Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveWait(time.Since(start), err) }()

	if opts.Continue && target == 0 {
		return Result{}, ErrContinueNeedsTarget
	}

	pgid, grouped := m.PidToGroup(target)
	// wait4(-1) never reports ECHILD for an unknown target while other
	// children exist
	if m.mode == WaiterDegraded && target != 0 && !grouped && m.FindProcess(target) == nil {
		return Result{}, fmt.Errorf("%d is %w", target, ErrNotChild)
	}
	wpid := target
	switch {
	case target == 0:
		wpid = -1
	case grouped:
		wpid = -pgid
	}

	if grouped && !opts.NoHang {
		if err := m.term.Take(pgid); err != nil {
			logutil.Default().Debug("terminal not transferred", "pgid", pgid, "err", err)
		}
		defer func() {
			if err := m.term.Restore(); err != nil {
				logutil.Default().Debug("terminal not restored", "err", err)
			}
		}()
	}

	if opts.Continue {
		if err := m.Signal(wpid, unix.SIGCONT); err != nil {
			return Result{}, err
		}
	}

	if res, ok := m.settled(target, pgid, grouped); ok {
		return res, nil
	}

	sawEINTR := false
	for {
		pid, ws, ru, err := m.dowait(ctx, wpid, !opts.NoHang)
		switch {
		case errors.Is(err, unix.EINTR):
			sawEINTR = true
			metrics.IncWaitInterrupt()
			if opts.Interruptible {
				if err := m.intr.Check(); err != nil {
					return Result{}, err
				}
			}
			continue
		case errors.Is(err, unix.ECHILD):
			// an interrupted wait may have lost the child to another reaper
			if sawEINTR || (opts.NoHang && target == 0) {
				return Result{}, nil
			}
			if target != 0 {
				return Result{}, fmt.Errorf("%d is %w", target, ErrNotChild)
			}
			return Result{}, fmt.Errorf("wait: %w", err)
		case err != nil:
			return Result{}, fmt.Errorf("wait: %w", err)
		case pid == 0:
			return Result{}, nil
		}

		p := m.reap(pid, ws, ru)
		if p == nil {
			continue
		}
		switch {
		case target == 0 && p.Pgid == 0:
			return m.complete(p), nil
		case target == 0 || (grouped && p.Pgid == pgid):
			if j := m.FindJob(p.Pgid); j != nil && j.Settled() {
				return m.collect(j), nil
			}
		case !grouped && p.Pid == target:
			return m.complete(p), nil
		}
	}
}

// settled builds the result for a target that needs no wait4 call: a job
// already dead or stopped, an ungrouped process already dead or stopped,
// or, for any child, a completion nobody collected yet. With nothing
// running at all, waiting for any child returns an empty result.
func (m *Manager) settled(target, pgid int, grouped bool) (Result, bool) {
	switch {
	case grouped:
		if j := m.FindJob(pgid); j != nil && j.Settled() {
			return m.collect(j), true
		}
	case target > 0:
		if p := m.FindProcess(target); p != nil && !p.Running() {
			return m.complete(p), true
		}
	case target == 0:
		for _, p := range m.procs {
			if !p.Alive {
				return m.complete(p), true
			}
		}
		for _, j := range m.jobs {
			if !j.Alive {
				return m.collect(j), true
			}
		}
		if !m.running() {
			return Result{}, true
		}
	}
	return Result{}, false
}

// complete reports an ungrouped process and forgets it once it is dead.
func (m *Manager) complete(p *Proc) Result {
	res := Result{Pid: p.Pid, Status: status.Value{status.Encode(p.Status)}}
	if !p.Alive {
		m.removeProc(p)
	}
	return res
}

// collect reports every member of a settled job, oldest first, and frees
// the job once all of its members are dead.
func (m *Manager) collect(j *Job) Result {
	v := make(status.Value, 0, len(j.Procs))
	for _, p := range j.Procs {
		v = append(v, status.Encode(p.Status))
	}
	res := Result{Pid: -j.Pgid, Status: v}
	if len(j.Procs) == 1 {
		res.Pid = j.Procs[0].Pid
	}
	if !j.Alive {
		m.freeJob(j)
	}
	return res
}
