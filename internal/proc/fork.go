package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/metrics"
)

// Spawn describes a child to start.
type Spawn struct {
	// Path is the executable; when empty it is looked up from Args[0].
	Path string
	// Args is the full argv, Args[0] included.
	Args []string
	// Env is the child's environment; nil inherits the shell's.
	Env []string
	Dir string
	// Files become the child's descriptors 0, 1, 2, ... A nil entry is
	// closed in the child. Nil Files means the shell's stdio.
	Files []*os.File
	// Foreground asks for the child's new job to own the terminal from the
	// moment it starts.
	Foreground bool
}

// Fork starts a child and records it. Inside an active job scope the child
// leads a new job (first fork) or joins the scope's job; otherwise it stays
// in the shell's process group. The child runs a fresh program image, so it
// inherits none of the shell's tables and its caught signals revert to the
// default action.
func (m *Manager) Fork(spec Spawn) (int, error) {
	if len(spec.Args) == 0 {
		return 0, errors.New("fork: empty command")
	}
	path := spec.Path
	if path == "" {
		resolved, err := exec.LookPath(spec.Args[0])
		if err != nil {
			return 0, fmt.Errorf("fork: %w", err)
		}
		path = resolved
	}
	files := spec.Files
	if files == nil {
		files = []*os.File{os.Stdin, os.Stdout, os.Stderr}
	}

	scope := m.CurrentScope()
	pl := placement{grouped: scope.Active(), ttyFd: m.term.Fd(), foreground: spec.Foreground}
	if pl.grouped {
		pl.pgid = scope.pgid
	}

	process, err := os.StartProcess(path, spec.Args, &os.ProcAttr{
		Dir:   spec.Dir,
		Env:   spec.Env,
		Files: files,
		Sys:   buildSysProcAttr(pl),
	})
	if err != nil {
		return 0, fmt.Errorf("fork: %w", err)
	}
	pid := process.Pid
	// wait4 reaps the child; the handle would only hold a pidfd open
	_ = process.Release()

	p := &Proc{Pid: pid, Alive: true, Args: append([]string(nil), spec.Args...), Started: m.now()}
	var setpgidErr error
	if pl.grouped {
		pgid := pl.pgid
		if pgid == 0 {
			pgid = pid
			scope.pgid = pid
			m.addJob(&Job{Pgid: pid, Alive: true, Started: p.Started})
		}
		// the child has done this too; whichever runs first wins the race
		if err := unix.Setpgid(pid, pgid); err != nil && !errors.Is(err, unix.EACCES) && !errors.Is(err, unix.ESRCH) {
			setpgidErr = fmt.Errorf("setpgid: %w", err)
		}
		p.Pgid = pgid
		j := m.FindJob(pgid)
		j.Procs = append(j.Procs, p)
		scanJob(j)
	} else {
		m.addProc(p)
	}

	metrics.IncFork(pl.grouped)
	logutil.Default().Debug("forked", "pid", pid, "pgid", p.Pgid, "args", spec.Args)
	m.emit(Event{Type: EventForked, Pid: pid, Pgid: p.Pgid, Args: p.Args})
	return pid, setpgidErr
}

// Signal sends sig to a pid, or to a whole job when target is a negated pgid.
// A SIGCONT also marks the addressed processes as running; continuing a
// target that has already been reaped is not an error.
func (m *Manager) Signal(target int, sig unix.Signal) error {
	if target == 0 {
		return errors.New("signal: no target")
	}
	if err := unix.Kill(target, sig); err != nil {
		if sig == unix.SIGCONT && errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %d: %w", target, err)
	}
	if sig == unix.SIGCONT {
		m.markContinued(target)
	}
	return nil
}
