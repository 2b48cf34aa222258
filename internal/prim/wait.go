package prim

import (
	"context"
	"strconv"
	"strings"

	"github.com/Paintersrp/jobshell/internal/proc"
	"github.com/Paintersrp/jobshell/internal/status"
)

const (
	waitUsage  = "wait [-cn] [pid|-pgid]"
	apidsUsage = "apids [pid|-pgid]"
)

func init() {
	Register("wait", Wait)
	Register("apids", Apids)
}

// Wait implements wait [-c] [-n] [pid|-pgid]. Without a target it waits for
// any child. The wait can be interrupted.
func Wait(ctx context.Context, env *Env, args []string) (status.Value, error) {
	opts := proc.WaitOptions{Interruptible: true}

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || (len(arg) > 1 && '0' <= arg[1] && arg[1] <= '9') {
			break
		}
		if arg == "-" {
			return nil, usage("wait", waitUsage)
		}
		for _, c := range arg[1:] {
			switch c {
			case 'c':
				opts.Continue = true
			case 'n':
				opts.NoHang = true
			default:
				return nil, Fail("wait", "illegal option: -%c -- %w: %s", c, ErrUsage, waitUsage)
			}
		}
	}

	target := 0
	if i < len(args) {
		s := args[i]
		neg := strings.HasPrefix(s, "-")
		if neg {
			s = s[1:]
		}
		pid, err := strconv.Atoi(s)
		if err != nil || pid <= 0 {
			return nil, Fail("wait", "%s: bad pid -- %w: %s", s, ErrUsage, waitUsage)
		}
		if neg {
			pid = -pid
		}
		target = pid
		i++
	}
	if i < len(args) {
		return nil, usage("wait", waitUsage)
	}

	res, err := env.Procs.Wait(ctx, target, opts)
	if err != nil {
		return nil, wrap("wait", err)
	}
	env.Reporter.PrintDiagnostics(res.Pid, res.Status)
	return res.Status, nil
}

// Apids implements apids [pid|-pgid]: the live ungrouped pids and job pgids
// (negated), or the live pids matching the filter.
func Apids(_ context.Context, env *Env, args []string) (status.Value, error) {
	filter := 0
	switch len(args) {
	case 0:
	case 1:
		n, err := status.ParseNumber(args[0])
		if err != nil {
			return nil, Fail("apids", "bad pid %s -- %w: %s", args[0], ErrUsage, apidsUsage)
		}
		filter = int(n)
	default:
		return nil, usage("apids", apidsUsage)
	}
	return pidList(env.Procs.Apids(filter)), nil
}
