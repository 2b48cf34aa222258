// Package prim implements the job-control commands of the shell: wait,
// apids, fgjob, bgjob, setjobcontrol, newjob and exit.
package prim

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Paintersrp/jobshell/internal/proc"
	"github.com/Paintersrp/jobshell/internal/status"
	"github.com/Paintersrp/jobshell/internal/tty"
)

// ErrUsage marks failures caused by malformed arguments.
var ErrUsage = errors.New("usage")

// Failure aborts the current command. The evaluator unwinds to the top level
// and prints the message; Category names the command that failed.
type Failure struct {
	Category string
	Err      error
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fail builds a Failure with a formatted message. %w verbs are honoured.
func Fail(category, format string, args ...any) error {
	return &Failure{Category: category, Err: fmt.Errorf(format, args...)}
}

func usage(category, text string) error {
	return &Failure{Category: category, Err: fmt.Errorf("%w: %s", ErrUsage, text)}
}

// Exit requests shell termination with Code.
type Exit struct {
	Code int
}

func (e *Exit) Error() string {
	return fmt.Sprintf("exit %d", e.Code)
}

// Env is the shell state primitives operate on.
type Env struct {
	Procs    *proc.Manager
	Terminal *tty.Arbiter
	Reporter *status.Reporter
	// Eval runs a command in the current evaluator; newjob runs its body
	// through it.
	Eval func(ctx context.Context, args []string) (status.Value, error)
}

// Primitive is a built-in command: arguments in, status value out.
type Primitive func(ctx context.Context, env *Env, args []string) (status.Value, error)

// isInterrupt reports whether err is an asynchronous interrupt, which must
// reach the evaluator unwrapped.
func isInterrupt(err error) bool {
	var intr interface{ Interrupted() bool }
	return errors.As(err, &intr) && intr.Interrupted()
}

// wrap turns an operational error into a Failure of category.
func wrap(category string, err error) error {
	if err == nil || isInterrupt(err) {
		return err
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Category: category, Err: err}
}

// singlePid parses the lone pid argument of fgjob and bgjob.
func singlePid(category string, args []string) (int, error) {
	if len(args) != 1 {
		return 0, usage(category, category+" pid")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return 0, Fail(category, "%s: bad pid -- %w: %s pid", args[0], ErrUsage, category)
	}
	return pid, nil
}

func pidList(pids []int) status.Value {
	out := make(status.Value, 0, len(pids))
	for _, pid := range pids {
		out = append(out, strconv.Itoa(pid))
	}
	return out
}
