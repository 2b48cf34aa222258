package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/jobshell/internal/logmux"
	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/proc"
)

// Job states shown by the monitor.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateDone    = "done"
)

// Action is a job operation requested from the UI.
type Action int

const (
	ActionStop Action = iota
	ActionContinue
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionContinue:
		return "continue"
	case ActionTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Request asks the poller to act on a job.
type Request struct {
	Action Action
	Pgid   int
}

// JobView is the monitor's picture of one job.
type JobView struct {
	Pgid   int
	Name   string
	Pids   []int
	State  string
	Status string
	CPU    time.Duration
	// MaxRSS is the largest resident set of any exited member, in KiB.
	MaxRSS  int64
	Started time.Time
}

// Update is one refresh delivered to the UI: the full job list plus the
// lifecycle events and output lines seen since the previous update.
type Update struct {
	Jobs   []JobView
	Events []proc.Event
	Output []logmux.Line
}

const (
	outputBuffer  = 256
	maxOutputHeld = 1000
)

// Poller owns a process Manager and drives it from a single goroutine. Key
// handlers talk to it through Requests.
type Poller struct {
	procs    *proc.Manager
	interval time.Duration
	requests chan Request

	views   map[int]*JobView
	order   []int
	pending []proc.Event

	mux     *logmux.Mux
	readers []*os.File
	output  []logmux.Line
}

// NewPoller creates the Manager the poller owns.
func NewPoller(interval time.Duration, opts ...proc.Option) *Poller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	p := &Poller{
		interval: interval,
		requests: make(chan Request, 16),
		views:    make(map[int]*JobView),
		mux:      logmux.New(outputBuffer),
	}
	opts = append(opts, proc.WithObserver(p.observe))
	p.procs = proc.New(opts...)
	return p
}

// Close stops collecting output and releases the Manager.
func (p *Poller) Close() {
	for _, r := range p.readers {
		r.Close()
	}
	p.readers = nil
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range p.mux.Output() {
		}
	}()
	p.mux.Close()
	<-drained
	p.procs.Close()
}

// Request queues an action; it never blocks the caller.
func (p *Poller) Request(req Request) {
	select {
	case p.requests <- req:
	default:
		logutil.Default().Warn("monitor request dropped", "action", req.Action, "pgid", req.Pgid)
	}
}

// Launch starts a command as a new background job. Without explicit Files
// the job reads /dev/null and its output is captured line by line. It must
// be called before Run or from the goroutine running it.
func (p *Poller) Launch(name string, spawn proc.Spawn) (int, error) {
	var capture []*os.File
	if spawn.Files == nil {
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		defer devnull.Close()
		stdout, stdoutW, err := os.Pipe()
		if err != nil {
			return 0, fmt.Errorf("launch %s: %w", name, err)
		}
		stderr, stderrW, err := os.Pipe()
		if err != nil {
			stdout.Close()
			stdoutW.Close()
			return 0, fmt.Errorf("launch %s: %w", name, err)
		}
		// the child holds its own copies of the write ends
		defer stdoutW.Close()
		defer stderrW.Close()
		spawn.Files = []*os.File{devnull, stdoutW, stderrW}
		capture = []*os.File{stdout, stderr}
	}
	spawn.Foreground = false

	var pgid int
	err := p.procs.WithJobScope(true, func(sc *proc.Scope) error {
		if _, err := p.procs.Fork(spawn); err != nil {
			return err
		}
		pgid, _ = sc.Job()
		return nil
	})
	if err != nil {
		for _, r := range capture {
			r.Close()
		}
		return 0, fmt.Errorf("launch %s: %w", name, err)
	}
	if len(capture) == 2 {
		p.mux.AddReader(name, logmux.StreamStdout, capture[0])
		p.mux.AddReader(name, logmux.StreamStderr, capture[1])
		p.readers = append(p.readers, capture...)
	}
	view := p.view(pgid)
	view.Name = name
	return pgid, nil
}

// Run polls until ctx is done, sending an Update after every poll.
func (p *Poller) Run(ctx context.Context, out chan<- Update) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	if err := p.send(ctx, out); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-p.mux.Output():
			if len(p.output) < maxOutputHeld {
				p.output = append(p.output, line)
			}
			continue
		case req := <-p.requests:
			p.apply(req)
			p.poll(ctx)
		case <-ticker.C:
			p.poll(ctx)
		}
		if err := p.send(ctx, out); err != nil {
			return err
		}
	}
}

func (p *Poller) send(ctx context.Context, out chan<- Update) error {
	update := Update{Jobs: p.Snapshot(), Events: p.pending, Output: p.output}
	p.pending = nil
	p.output = nil
	select {
	case out <- update:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// poll collects every state change that is ready without blocking.
func (p *Poller) poll(ctx context.Context) {
	for {
		res, err := p.procs.Wait(ctx, 0, proc.WaitOptions{NoHang: true})
		if err != nil {
			logutil.Default().Warn("monitor wait failed", "err", err)
			return
		}
		if res.Empty() {
			break
		}
		pgid := res.Pid
		if pgid < 0 {
			pgid = -pgid
		} else if gid, ok := p.procs.PidToGroup(res.Pid); ok {
			pgid = gid
		}
		if view, ok := p.views[pgid]; ok {
			view.Status = strings.Join(res.Status, " ")
		}
	}
	p.refresh()
}

// refresh recomputes the views of every job still tracked by the Manager;
// jobs no longer tracked are done.
func (p *Poller) refresh() {
	live := make(map[int]bool)
	for _, j := range p.procs.Jobs() {
		live[j.Pgid] = true
		view := p.view(j.Pgid)
		view.Started = j.Started
		view.Pids = view.Pids[:0]
		for _, member := range j.Procs {
			if member.Alive {
				view.Pids = append(view.Pids, member.Pid)
			}
		}
		switch {
		case !j.Alive:
			view.State = StateDone
		case j.Stopped:
			view.State = StateStopped
		default:
			view.State = StateRunning
			view.Status = ""
		}
	}
	for pgid, view := range p.views {
		if !live[pgid] && view.State != "" {
			view.State = StateDone
			view.Pids = nil
		}
	}
}

func (p *Poller) apply(req Request) {
	var sig unix.Signal
	switch req.Action {
	case ActionStop:
		sig = unix.SIGTSTP
	case ActionContinue:
		sig = unix.SIGCONT
	case ActionTerminate:
		sig = unix.SIGTERM
	default:
		return
	}
	if p.procs.FindJob(req.Pgid) == nil {
		return
	}
	if err := p.procs.Signal(-req.Pgid, sig); err != nil {
		logutil.Default().Warn("monitor signal failed", "action", req.Action, "pgid", req.Pgid, "err", err)
	}
	// a stopped job acts on SIGTERM only once it runs again
	if sig == unix.SIGTERM {
		_ = p.procs.Signal(-req.Pgid, unix.SIGCONT)
	}
}

// Shutdown terminates every remaining job and reaps it, escalating to
// SIGKILL when ctx expires.
func (p *Poller) Shutdown(ctx context.Context) {
	for _, j := range p.procs.Jobs() {
		if !j.Alive {
			continue
		}
		p.apply(Request{Action: ActionTerminate, Pgid: j.Pgid})
	}
	for _, j := range p.procs.Jobs() {
		if _, err := p.procs.Wait(ctx, -j.Pgid, proc.WaitOptions{}); err != nil {
			_ = p.procs.Signal(-j.Pgid, unix.SIGKILL)
			_, _ = p.procs.Wait(context.Background(), -j.Pgid, proc.WaitOptions{})
		}
	}
}

// Snapshot returns the job views in launch order.
func (p *Poller) Snapshot() []JobView {
	out := make([]JobView, 0, len(p.order))
	for _, pgid := range p.order {
		view := *p.views[pgid]
		view.Pids = append([]int(nil), view.Pids...)
		out = append(out, view)
	}
	return out
}

func (p *Poller) view(pgid int) *JobView {
	view, ok := p.views[pgid]
	if !ok {
		view = &JobView{Pgid: pgid, State: StateRunning}
		p.views[pgid] = view
		p.order = append(p.order, pgid)
	}
	return view
}

// observe runs on the poller goroutine, inside Manager calls.
func (p *Poller) observe(evt proc.Event) {
	p.pending = append(p.pending, evt)
	if evt.Pgid == 0 {
		return
	}
	view := p.view(evt.Pgid)
	switch evt.Type {
	case proc.EventForked:
		if view.Name == "" && len(evt.Args) > 0 {
			view.Name = evt.Args[0]
		}
	case proc.EventExited:
		view.CPU += time.Duration(evt.Rusage.Utime.Nano() + evt.Rusage.Stime.Nano())
		if rss := int64(evt.Rusage.Maxrss); rss > view.MaxRSS {
			view.MaxRSS = rss
		}
	}
}
