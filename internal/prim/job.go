package prim

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/jobshell/internal/proc"
	"github.com/Paintersrp/jobshell/internal/status"
)

func init() {
	Register("fgjob", FgJob)
	Register("bgjob", BgJob)
	Register("setjobcontrol", SetJobControl)
	Register("newjob", NewJob)
	Register("exit", ExitShell)
}

func jobOf(category string, env *Env, pid int) (int, error) {
	pgid, ok := env.Procs.PidToGroup(pid)
	if !ok {
		return 0, &Failure{Category: category, Err: fmt.Errorf("%d is %w", pid, proc.ErrNotJobMember)}
	}
	return pgid, nil
}

// FgJob continues the job owning pid in the foreground and waits for it.
func FgJob(ctx context.Context, env *Env, args []string) (status.Value, error) {
	pid, err := singlePid("fgjob", args)
	if err != nil {
		return nil, err
	}
	pgid, err := jobOf("fgjob", env, pid)
	if err != nil {
		return nil, err
	}
	res, err := env.Procs.Wait(ctx, -pgid, proc.WaitOptions{Interruptible: true, Continue: true})
	if err != nil {
		return nil, wrap("fgjob", err)
	}
	return env.Reporter.Report(res.Pid, res.Status)
}

// BgJob continues the job owning pid without waiting for it.
func BgJob(_ context.Context, env *Env, args []string) (status.Value, error) {
	pid, err := singlePid("bgjob", args)
	if err != nil {
		return nil, err
	}
	pgid, err := jobOf("bgjob", env, pid)
	if err != nil {
		return nil, err
	}
	if err := env.Procs.Signal(-pgid, unix.SIGCONT); err != nil {
		return nil, Fail("bgjob", "continue: %w", err)
	}
	return status.True, nil
}

// SetJobControl turns job control on or off according to the truth of its
// arguments and returns them. When the change fails the state is left alone
// and the result is a one-element list describing why.
func SetJobControl(_ context.Context, env *Env, args []string) (status.Value, error) {
	enable := status.IsTrue(args)
	if env.Terminal.JobControl() == enable {
		return args, nil
	}

	var err error
	if enable {
		err = env.Terminal.EnableJobControl()
	} else {
		err = env.Terminal.DisableJobControl()
	}
	if err != nil {
		msg := err.Error()
		var errno unix.Errno
		if errors.As(err, &errno) {
			msg = errno.Error()
		}
		return status.Value{msg}, nil
	}
	return args, nil
}

// NewJob runs its arguments as a command inside a new job scope. With job
// control off the scope keeps every fork in the shell's own group.
func NewJob(ctx context.Context, env *Env, args []string) (status.Value, error) {
	if len(args) == 0 {
		return status.True, nil
	}
	var result status.Value
	err := env.Procs.WithJobScope(env.Terminal.JobControl(), func(*proc.Scope) error {
		v, err := env.Eval(ctx, args)
		result = v
		return err
	})
	return result, err
}

// ExitShell asks the evaluator to terminate with the exit value of its
// arguments.
func ExitShell(_ context.Context, _ *Env, args []string) (status.Value, error) {
	return nil, &Exit{Code: status.ExitValue(args)}
}
