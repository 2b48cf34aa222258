package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"

	"github.com/Paintersrp/jobshell/internal/prim"
	"github.com/Paintersrp/jobshell/internal/proc"
	"github.com/Paintersrp/jobshell/internal/status"
)

var errUnsupported = errors.New("unsupported construct")

// command is one expanded pipeline stage.
type command struct {
	args  []string
	env   []string
	files [3]*os.File
	// opened are descriptors the shell created for redirections and must
	// close once the child holds them.
	opened []*os.File
}

func (c *command) close() {
	for _, f := range c.opened {
		_ = f.Close()
	}
	c.opened = nil
}

func (s *Shell) runStmt(ctx context.Context, st *syntax.Stmt) (status.Value, error) {
	v, err := s.runCmd(ctx, st)
	if err != nil {
		return nil, err
	}
	if st.Negated {
		v = status.FromBool(!status.IsTrue(v))
	}
	return v, nil
}

func (s *Shell) runCmd(ctx context.Context, st *syntax.Stmt) (status.Value, error) {
	if bc, ok := st.Cmd.(*syntax.BinaryCmd); ok && (bc.Op == syntax.AndStmt || bc.Op == syntax.OrStmt) {
		if st.Background || len(st.Redirs) > 0 {
			return nil, fmt.Errorf("%w: background or redirected list", errUnsupported)
		}
		left, err := s.runStmt(ctx, bc.X)
		if err != nil {
			return nil, err
		}
		s.status = left
		if status.IsTrue(left) != (bc.Op == syntax.AndStmt) {
			return left, nil
		}
		return s.runStmt(ctx, bc.Y)
	}

	stages, err := pipelineStages(st)
	if err != nil {
		return nil, err
	}

	cfg := s.expandConfig()
	if len(stages) == 1 {
		call := stages[0].Cmd.(*syntax.CallExpr)
		if len(call.Args) == 0 {
			return s.assign(cfg, call.Assigns)
		}
		args, err := expand.Fields(cfg, call.Args...)
		if err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return status.True, nil
		}
		if v, handled, err := s.builtin(ctx, args, stages[0]); handled {
			return v, err
		}
	}

	cmds := make([]command, 0, len(stages))
	defer func() {
		for i := range cmds {
			cmds[i].close()
		}
	}()
	for _, stage := range stages {
		c, err := s.prepare(cfg, stage)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return s.launch(ctx, cmds, st.Background)
}

// pipelineStages flattens a pipeline into its simple commands.
func pipelineStages(st *syntax.Stmt) ([]*syntax.Stmt, error) {
	switch cmd := st.Cmd.(type) {
	case *syntax.CallExpr:
		return []*syntax.Stmt{st}, nil
	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe {
			return nil, fmt.Errorf("%w: %s", errUnsupported, cmd.Op)
		}
		if len(st.Redirs) > 0 {
			return nil, fmt.Errorf("%w: redirected pipeline", errUnsupported)
		}
		left, err := pipelineStages(cmd.X)
		if err != nil {
			return nil, err
		}
		right, err := pipelineStages(cmd.Y)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupported, st.Cmd)
	}
}

// builtin runs primitives and cd inside the shell. handled is false for
// external commands.
func (s *Shell) builtin(ctx context.Context, args []string, st *syntax.Stmt) (status.Value, bool, error) {
	name := args[0]
	p, isPrim := s.prims.Lookup(name)
	if !isPrim && name != "cd" {
		return nil, false, nil
	}
	if st.Background || len(st.Redirs) > 0 {
		return nil, true, fmt.Errorf("%s: builtins cannot be backgrounded or redirected", name)
	}
	if name == "cd" {
		return s.cd(args[1:])
	}
	v, err := p(ctx, s.env, args[1:])
	return v, true, err
}

func (s *Shell) cd(args []string) (status.Value, bool, error) {
	dir := os.Getenv("HOME")
	switch len(args) {
	case 0:
	case 1:
		dir = args[0]
	default:
		return nil, true, errors.New("usage: cd [directory]")
	}
	if err := os.Chdir(dir); err != nil {
		return nil, true, fmt.Errorf("cd: %w", err)
	}
	return status.True, true, nil
}

func (s *Shell) assign(cfg *expand.Config, assigns []*syntax.Assign) (status.Value, error) {
	for _, as := range assigns {
		value := ""
		if as.Value != nil {
			v, err := expand.Literal(cfg, as.Value)
			if err != nil {
				return nil, err
			}
			value = v
		}
		s.vars[as.Name.Value] = value
	}
	return status.True, nil
}

// prepare expands one stage and opens its redirections.
func (s *Shell) prepare(cfg *expand.Config, st *syntax.Stmt) (command, error) {
	call := st.Cmd.(*syntax.CallExpr)
	args, err := expand.Fields(cfg, call.Args...)
	if err != nil {
		return command{}, err
	}
	if len(args) == 0 {
		return command{}, fmt.Errorf("%w: pipeline stage without a command", errUnsupported)
	}
	if _, ok := s.prims.Lookup(args[0]); ok || args[0] == "cd" {
		return command{}, fmt.Errorf("%s: builtins cannot run in a pipeline", args[0])
	}

	extra := make(map[string]string, len(call.Assigns))
	for _, as := range call.Assigns {
		value := ""
		if as.Value != nil {
			if value, err = expand.Literal(cfg, as.Value); err != nil {
				return command{}, err
			}
		}
		extra[as.Name.Value] = value
	}

	c := s.plainCommand(args)
	c.env = s.environ(extra)
	for _, rd := range st.Redirs {
		if err := s.redirect(cfg, &c, rd); err != nil {
			c.close()
			return command{}, err
		}
	}
	return c, nil
}

func (s *Shell) plainCommand(args []string) command {
	return command{
		args:  args,
		env:   s.environ(nil),
		files: [3]*os.File{s.opts.Stdin, s.opts.Stdout, s.opts.Stderr},
	}
}

func (s *Shell) redirect(cfg *expand.Config, c *command, rd *syntax.Redirect) error {
	target, err := expand.Literal(cfg, rd.Word)
	if err != nil {
		return err
	}
	fd := 1
	if rd.Op == syntax.RdrIn {
		fd = 0
	}
	if rd.N != nil {
		if fd, err = strconv.Atoi(rd.N.Value); err != nil || fd < 0 || fd > 2 {
			return fmt.Errorf("%w: redirection of descriptor %s", errUnsupported, rd.N.Value)
		}
	}

	var f *os.File
	switch rd.Op {
	case syntax.RdrIn:
		f, err = os.Open(target)
	case syntax.RdrOut:
		f, err = os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	case syntax.AppOut:
		f, err = os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	case syntax.DplOut:
		src, convErr := strconv.Atoi(target)
		if convErr != nil || src < 0 || src > 2 {
			return fmt.Errorf("%w: duplicate of %q", errUnsupported, target)
		}
		c.files[fd] = c.files[src]
		return nil
	default:
		return fmt.Errorf("%w: redirection %s", errUnsupported, rd.Op)
	}
	if err != nil {
		return err
	}
	c.opened = append(c.opened, f)
	c.files[fd] = f
	return nil
}

// launch forks a pipeline as one job and, unless it runs in the
// background, waits for it.
func (s *Shell) launch(ctx context.Context, cmds []command, background bool) (status.Value, error) {
	var pids []int
	var pgid int
	err := s.procs.WithJobScope(s.term.JobControl(), func(sc *proc.Scope) error {
		var err error
		pids, err = s.forkAll(cmds, !background)
		pgid, _ = sc.Job()
		return err
	})
	if err != nil {
		return nil, err
	}
	if background {
		s.vars["apid"] = strconv.Itoa(pids[0])
		if s.opts.Interactive {
			fmt.Fprintln(s.opts.Stderr, pids[0])
		}
		return status.True, nil
	}
	return s.foreground(ctx, pgid, pids)
}

// evalArgs runs an already expanded command in the current job scope.
func (s *Shell) evalArgs(ctx context.Context, args []string) (status.Value, error) {
	if p, ok := s.prims.Lookup(args[0]); ok {
		return p(ctx, s.env, args[1:])
	}
	pids, err := s.forkAll([]command{s.plainCommand(args)}, true)
	if err != nil {
		return nil, err
	}
	pgid, _ := s.procs.CurrentScope().Job()
	return s.foreground(ctx, pgid, pids)
}

// forkAll starts every stage, wiring stdout of each into stdin of the next.
// The pids started before a failure are returned with the error. A child
// that started but could not be placed in its job stays tracked, and the
// pipeline fails without starting further stages.
func (s *Shell) forkAll(cmds []command, fg bool) ([]int, error) {
	pids := make([]int, 0, len(cmds))
	var next *os.File
	for i := range cmds {
		c := &cmds[i]
		// explicit redirections win over the pipe
		files := c.files
		if next != nil && files[0] == s.opts.Stdin {
			files[0] = next
		}
		var readEnd *os.File
		if i < len(cmds)-1 {
			r, w, err := os.Pipe()
			if err != nil {
				closeFile(next)
				return pids, fmt.Errorf("pipe: %w", err)
			}
			readEnd = r
			if files[1] == s.opts.Stdout {
				files[1] = w
			}
			c.opened = append(c.opened, w)
		}

		pid, err := s.fork(proc.Spawn{
			Args:       c.args,
			Env:        c.env,
			Files:      files[:],
			Foreground: fg,
		})
		closeFile(next)
		c.close()
		next = readEnd
		if err != nil && pid == 0 {
			closeFile(next)
			return pids, err
		}
		pids = append(pids, pid)
		if err != nil {
			closeFile(next)
			return pids, &prim.Failure{Category: "fork", Err: err}
		}
	}
	return pids, nil
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

// foreground waits for a freshly started pipeline and reports its status.
func (s *Shell) foreground(ctx context.Context, pgid int, pids []int) (status.Value, error) {
	v, stopped, err := s.collect(ctx, pgid, pids)
	if err != nil {
		return nil, err
	}
	// a stopped job is named so it can be resumed with fgjob or bgjob
	return s.reporter.Report(stopped, v)
}

// collect waits for a job, or for each ungrouped pid in turn. stopped is the
// negated pgid when the job stopped instead of finishing.
func (s *Shell) collect(ctx context.Context, pgid int, pids []int) (status.Value, int, error) {
	opts := proc.WaitOptions{Interruptible: true}
	if pgid != 0 {
		res, err := s.procs.Wait(ctx, -pgid, opts)
		if err != nil {
			return nil, 0, err
		}
		if s.procs.FindJob(pgid) != nil {
			return res.Status, -pgid, nil
		}
		return res.Status, 0, nil
	}
	var v status.Value
	for _, pid := range pids {
		res, err := s.procs.Wait(ctx, pid, opts)
		if err != nil {
			return nil, 0, err
		}
		v = append(v, res.Status...)
	}
	return v, 0, nil
}

// environ returns the child environment: the shell's own environment, its
// variables, then per-command assignments.
func (s *Shell) environ(extra map[string]string) []string {
	env := os.Environ()
	env = appendVars(env, s.vars)
	return appendVars(env, extra)
}

func appendVars(env []string, vars map[string]string) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+vars[name])
	}
	return env
}

func (s *Shell) expandConfig() *expand.Config {
	env := append(s.environ(nil), "status="+strings.Join(s.status, " "))
	return &expand.Config{Env: expand.ListEnviron(env...)}
}
