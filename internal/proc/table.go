package proc

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/metrics"
	"github.com/Paintersrp/jobshell/internal/status"
)

// Proc is one child process known to the shell.
type Proc struct {
	Pid int
	// Status is the last raw wait result; it is meaningful once the process
	// is dead or stopped.
	Status  unix.WaitStatus
	Alive   bool
	Stopped bool
	// Pgid names the owning job, or zero when the process runs in the
	// shell's own group.
	Pgid    int
	Rusage  unix.Rusage
	Args    []string
	Started time.Time
}

// Running reports whether the process is alive and not stopped.
func (p *Proc) Running() bool {
	return p.Alive && !p.Stopped
}

// Job is a process group holding the processes forked within one job scope.
// Its membership never changes after the scope ends; only the liveness
// flags of its members do.
type Job struct {
	Pgid    int
	Alive   bool
	Stopped bool
	Procs   []*Proc
	Started time.Time
}

// Settled reports whether every member is dead or stopped.
func (j *Job) Settled() bool {
	return !j.Alive || j.Stopped
}

// Terminal is the terminal arbiter as seen by the Waiter and Forker.
type Terminal interface {
	Take(pgid int) error
	Restore() error
	Fd() int
}

// Interrupter is the pending-interrupt token of the signal layer.
type Interrupter interface {
	Pending() <-chan struct{}
	Check() error
}

// WaiterMode selects the wait4 strategy.
type WaiterMode int

const (
	// WaiterGroup waits on exactly the resolved pid or process group.
	WaiterGroup WaiterMode = iota
	// WaiterDegraded waits for any child and filters results in the shell.
	// It may notice a death slightly before a group wait would attribute it.
	WaiterDegraded
)

// Option configures a Manager.
type Option func(*Manager)

// WithTerminal sets the terminal arbiter.
func WithTerminal(t Terminal) Option {
	return func(m *Manager) {
		if t != nil {
			m.term = t
		}
	}
}

// WithInterrupter sets the source of asynchronous interrupts.
func WithInterrupter(i Interrupter) Option {
	return func(m *Manager) {
		if i != nil {
			m.intr = i
		}
	}
}

// WithWaiterMode selects the wait4 strategy.
func WithWaiterMode(mode WaiterMode) Option {
	return func(m *Manager) {
		m.mode = mode
	}
}

// WithObserver registers a callback for lifecycle events.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithPollInterval bounds how long a blocking wait sleeps without a SIGCHLD
// before polling again.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// Manager owns the process and job tables.
type Manager struct {
	procs  []*Proc
	jobs   []*Job
	scopes []*Scope

	term         Terminal
	intr         Interrupter
	mode         WaiterMode
	observer     Observer
	pollInterval time.Duration

	chld  chan os.Signal
	now   func() time.Time
	wait4 func(pid int, ws *unix.WaitStatus, options int, ru *unix.Rusage) (int, error)
}

// New constructs an empty Manager. Close must be called to stop SIGCHLD
// notifications.
func New(opts ...Option) *Manager {
	m := &Manager{
		term:         noTerminal{},
		intr:         noInterrupts{},
		pollInterval: time.Second,
		chld:         make(chan os.Signal, 1),
		now:          time.Now,
		wait4:        unix.Wait4,
	}
	for _, opt := range opts {
		opt(m)
	}
	signal.Notify(m.chld, syscall.SIGCHLD)
	return m
}

// Close stops SIGCHLD delivery to the Manager.
func (m *Manager) Close() {
	signal.Stop(m.chld)
}

// FindProcess returns the tracked process with pid, preferring a live record
// over a dead one left behind in a job.
func (m *Manager) FindProcess(pid int) *Proc {
	var dead *Proc
	check := func(p *Proc) bool {
		if p.Pid != pid {
			return false
		}
		if p.Alive {
			return true
		}
		if dead == nil {
			dead = p
		}
		return false
	}
	for _, p := range m.procs {
		if check(p) {
			return p
		}
	}
	for _, j := range m.jobs {
		for _, p := range j.Procs {
			if check(p) {
				return p
			}
		}
	}
	return dead
}

// FindJob returns the job whose process group is pgid.
func (m *Manager) FindJob(pgid int) *Job {
	for _, j := range m.jobs {
		if j.Pgid == pgid {
			return j
		}
	}
	return nil
}

// PidToGroup resolves pid, or -pgid, to the process group of a tracked job.
// ok is false when the target is not part of any job.
func (m *Manager) PidToGroup(pid int) (pgid int, ok bool) {
	if pid < 0 {
		if m.FindJob(-pid) != nil {
			return -pid, true
		}
		return 0, false
	}
	if pid == 0 {
		return 0, false
	}
	if p := m.FindProcess(pid); p != nil && p.Pgid != 0 {
		return p.Pgid, true
	}
	return 0, false
}

// Apids lists live processes. Without a filter, ungrouped processes appear
// as their pid and jobs as their negated pgid. A positive filter selects one
// pid; a negative filter selects the members of that job by pid.
func (m *Manager) Apids(filter int) []int {
	var out []int
	for _, p := range m.procs {
		if !p.Alive {
			continue
		}
		if filter == 0 || filter == p.Pid {
			out = append(out, p.Pid)
		}
	}
	for _, j := range m.jobs {
		if !j.Alive {
			continue
		}
		if filter == 0 {
			out = append(out, -j.Pgid)
			continue
		}
		for _, p := range j.Procs {
			if !p.Alive {
				continue
			}
			if (filter < 0 && -filter == j.Pgid) || filter == p.Pid {
				out = append(out, p.Pid)
			}
		}
	}
	return out
}

// Jobs returns the tracked jobs in creation order.
func (m *Manager) Jobs() []*Job {
	return append([]*Job(nil), m.jobs...)
}

// Procs returns the tracked ungrouped processes in creation order.
func (m *Manager) Procs() []*Proc {
	return append([]*Proc(nil), m.procs...)
}

// running reports whether any tracked process could still change state.
func (m *Manager) running() bool {
	for _, p := range m.procs {
		if p.Running() {
			return true
		}
	}
	for _, j := range m.jobs {
		for _, p := range j.Procs {
			if p.Running() {
				return true
			}
		}
	}
	return false
}

// addProc records a new ungrouped process, replacing a dead record left
// behind under the same pid.
func (m *Manager) addProc(p *Proc) {
	for i, old := range m.procs {
		if old.Pid == p.Pid && !old.Alive {
			m.procs = append(m.procs[:i], m.procs[i+1:]...)
			break
		}
	}
	m.procs = append(m.procs, p)
}

func (m *Manager) addJob(j *Job) {
	m.jobs = append(m.jobs, j)
	metrics.SetJobsActive(len(m.jobs))
}

func (m *Manager) removeProc(p *Proc) {
	for i, old := range m.procs {
		if old == p {
			m.procs = append(m.procs[:i], m.procs[i+1:]...)
			return
		}
	}
}

// freeJob drops a dead job and, with it, all of its members.
func (m *Manager) freeJob(j *Job) {
	for i, old := range m.jobs {
		if old == j {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			break
		}
	}
	j.Procs = nil
	metrics.SetJobsActive(len(m.jobs))
	m.emit(Event{Type: EventFreed, Pid: -j.Pgid, Pgid: j.Pgid})
}

// scanJob recomputes the job's aggregate flags from its members: alive if
// any member is alive, stopped if every alive member is stopped.
func scanJob(j *Job) {
	alive, stopped := false, true
	for _, p := range j.Procs {
		if !p.Alive {
			continue
		}
		alive = true
		if !p.Stopped {
			stopped = false
		}
	}
	j.Alive = alive
	j.Stopped = stopped
}

// reap records a raw wait result against the live process with pid.
func (m *Manager) reap(pid int, ws unix.WaitStatus, ru unix.Rusage) *Proc {
	p := m.FindProcess(pid)
	if p == nil || !p.Alive {
		logutil.Default().Warn("reaped untracked process", "pid", pid, "status", status.Encode(ws))
		return nil
	}
	p.Status = ws
	p.Rusage = ru

	evt := Event{Pid: p.Pid, Pgid: p.Pgid, Status: status.Encode(ws), Args: p.Args, Rusage: ru}
	switch {
	case ws.Stopped():
		p.Stopped = true
		evt.Type = EventStopped
		metrics.ObserveReap(metrics.ReapStopped)
	case ws.Continued():
		p.Stopped = false
		evt.Type = EventContinued
	default:
		p.Alive = false
		p.Stopped = false
		evt.Type = EventExited
		if ws.Signaled() {
			metrics.ObserveReap(metrics.ReapSignaled)
		} else {
			metrics.ObserveReap(metrics.ReapExited)
		}
	}
	if p.Pgid != 0 {
		if j := m.FindJob(p.Pgid); j != nil {
			scanJob(j)
		}
	}
	logutil.Default().Debug("reaped", "pid", p.Pid, "pgid", p.Pgid, "status", evt.Status)
	m.emit(evt)
	return p
}

// markContinued flags the processes addressed by a SIGCONT sent to target
// (a pid, or a negated pgid) as running again.
func (m *Manager) markContinued(target int) {
	var touched []*Proc
	if target < 0 {
		if j := m.FindJob(-target); j != nil {
			for _, p := range j.Procs {
				if p.Alive {
					touched = append(touched, p)
				}
			}
			defer scanJob(j)
		}
	} else if p := m.FindProcess(target); p != nil && p.Alive {
		touched = append(touched, p)
		if p.Pgid != 0 {
			if j := m.FindJob(p.Pgid); j != nil {
				defer scanJob(j)
			}
		}
	}
	for _, p := range touched {
		if p.Stopped {
			p.Stopped = false
			m.emit(Event{Type: EventContinued, Pid: p.Pid, Pgid: p.Pgid, Args: p.Args})
		}
	}
}

type noTerminal struct{}

func (noTerminal) Take(int) error { return nil }
func (noTerminal) Restore() error { return nil }
func (noTerminal) Fd() int        { return -1 }

type noInterrupts struct{}

func (noInterrupts) Pending() <-chan struct{} { return nil }
func (noInterrupts) Check() error             { return nil }
