// Package shell is a small line-oriented command evaluator built around the
// job-control core: it parses input, expands words, forks external commands
// into jobs and dispatches the job-control primitives.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"mvdan.cc/sh/v3/syntax"

	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/prim"
	"github.com/Paintersrp/jobshell/internal/proc"
	"github.com/Paintersrp/jobshell/internal/signals"
	"github.com/Paintersrp/jobshell/internal/status"
	"github.com/Paintersrp/jobshell/internal/tty"
)

// Job control modes.
const (
	JobControlAuto = "auto"
	JobControlOn   = "on"
	JobControlOff  = "off"
)

// Options configure a Shell.
type Options struct {
	// Interactive enables the prompt, interrupt catching and the terminal.
	Interactive bool
	// JobControl is one of auto, on or off. Auto enables job control for
	// interactive shells reading from a terminal.
	JobControl string
	Waiter     proc.WaiterMode
	Prompt     string
	// ReportCommand, when set, receives every foreground status as extra
	// arguments; its own status replaces the reported one.
	ReportCommand []string
	Observer      proc.Observer

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Shell evaluates commands.
type Shell struct {
	opts     Options
	sigs     *signals.Table
	term     *tty.Arbiter
	procs    *proc.Manager
	reporter *status.Reporter
	prims    prim.Registry
	env      *prim.Env
	fork     func(proc.Spawn) (int, error)

	vars   map[string]string
	status status.Value
}

// New sets up signals, the terminal and the process tables.
func New(opts Options) (*Shell, error) {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Prompt == "" {
		opts.Prompt = "; "
	}
	if opts.JobControl == "" {
		opts.JobControl = JobControlAuto
	}

	s := &Shell{
		opts:     opts,
		sigs:     signals.New(),
		reporter: status.NewReporter(opts.Stderr),
		prims:    prim.NewRegistry(),
		vars:     make(map[string]string),
		status:   status.True,
	}

	if opts.Interactive {
		s.sigs.Install(unix.SIGINT, signals.Catch)
		for _, sig := range []syscall.Signal{unix.SIGQUIT, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU} {
			s.sigs.Install(sig, signals.Noop)
		}
		s.term = tty.Open(s.sigs)
	} else {
		s.term = tty.Detached(s.sigs)
	}

	procOpts := []proc.Option{
		proc.WithInterrupter(s.sigs),
		proc.WithWaiterMode(opts.Waiter),
		proc.WithObserver(opts.Observer),
	}
	if s.term.HasTTY() {
		procOpts = append(procOpts, proc.WithTerminal(s.term))
	}
	s.procs = proc.New(procOpts...)
	s.fork = s.procs.Fork

	if len(opts.ReportCommand) > 0 {
		s.reporter.SetHook(s.reportHook)
	}

	s.env = &prim.Env{
		Procs:    s.procs,
		Terminal: s.term,
		Reporter: s.reporter,
		Eval:     s.evalArgs,
	}

	if err := s.setupJobControl(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Shell) setupJobControl() error {
	switch s.opts.JobControl {
	case JobControlOff:
		return nil
	case JobControlAuto:
		if !s.opts.Interactive || !term.IsTerminal(int(s.opts.Stdin.Fd())) {
			return nil
		}
		if err := s.term.EnableJobControl(); err != nil {
			logutil.Default().Warn("job control disabled", "err", err)
		}
		return nil
	case JobControlOn:
		if err := s.term.EnableJobControl(); err != nil {
			return fmt.Errorf("enable job control: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown job control mode %q", s.opts.JobControl)
	}
}

// Procs exposes the process tables.
func (s *Shell) Procs() *proc.Manager {
	return s.procs
}

// Status returns the status of the last command.
func (s *Shell) Status() status.Value {
	return s.status
}

// Close hands the terminal back to whoever owned it at startup and releases
// the shell's resources.
func (s *Shell) Close() error {
	var errs []error
	if err := s.term.ReturnOriginal(); err != nil {
		errs = append(errs, fmt.Errorf("return terminal: %w", err))
	}
	if err := s.term.DisableJobControl(); err != nil {
		errs = append(errs, fmt.Errorf("disable job control: %w", err))
	}
	if err := s.term.Close(); err != nil {
		errs = append(errs, err)
	}
	s.procs.Close()
	s.sigs.Close()
	return errors.Join(errs...)
}

// RunScript evaluates a whole script and returns the exit code it asked for,
// or the exit value of its last status.
func (s *Shell) RunScript(ctx context.Context, name string, r io.Reader) (int, error) {
	file, err := syntax.NewParser().Parse(r, name)
	if err != nil {
		return 1, err
	}
	for _, stmt := range file.Stmts {
		if code, done := s.runTop(ctx, stmt); done {
			return code, nil
		}
	}
	return status.ExitValue(s.status), nil
}

// RunInteractive reads, evaluates and prompts until end of input or exit.
func (s *Shell) RunInteractive(ctx context.Context) (int, error) {
	parser := syntax.NewParser()
	prompt := func(p string) {
		if s.opts.Interactive {
			fmt.Fprint(s.opts.Stderr, p)
		}
	}

	code, exited := 0, false
	prompt(s.opts.Prompt)
	err := parser.Interactive(s.opts.Stdin, func(stmts []*syntax.Stmt) bool {
		if parser.Incomplete() {
			prompt("> ")
			return true
		}
		for _, stmt := range stmts {
			if c, done := s.runTop(ctx, stmt); done {
				code, exited = c, true
				return false
			}
		}
		prompt(s.opts.Prompt)
		return true
	})
	if exited {
		return code, nil
	}
	if err != nil {
		return 1, err
	}
	return status.ExitValue(s.status), nil
}

// runTop evaluates one top-level statement, printing failures. done is set
// when the statement asked the shell to exit.
func (s *Shell) runTop(ctx context.Context, stmt *syntax.Stmt) (code int, done bool) {
	// an interrupt typed at the prompt must not abort the next command
	_ = s.sigs.Check()

	v, err := s.runStmt(ctx, stmt)
	var exit *prim.Exit
	switch {
	case errors.As(err, &exit):
		return exit.Code, true
	case err != nil:
		var intr *signals.Interrupt
		if errors.As(err, &intr) {
			fmt.Fprintln(s.opts.Stderr)
		} else {
			fmt.Fprintf(s.opts.Stderr, "jobshell: %v\n", err)
		}
		logutil.Default().Debug("command failed", "err", err)
		s.status = status.False
	default:
		s.status = v
	}
	return 0, false
}

// reportHook runs the configured report command with the status appended.
func (s *Shell) reportHook(pid int, v status.Value) (status.Value, error) {
	args := append(append([]string(nil), s.opts.ReportCommand...), v...)
	var pids []int
	err := s.procs.WithJobScope(false, func(*proc.Scope) error {
		var err error
		pids, err = s.forkAll([]command{s.plainCommand(args)}, false)
		return err
	})
	if err != nil {
		return v, err
	}
	res, _, err := s.collect(context.Background(), 0, pids)
	if err != nil {
		return v, err
	}
	logutil.Default().Debug("status reported", "pid", pid, "status", strings.Join(v, " "), "result", strings.Join(res, " "))
	return res, nil
}
