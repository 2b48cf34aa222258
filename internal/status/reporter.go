package status

import (
	"fmt"
	"io"
	"sync"
)

// Hook replaces the default diagnostics when a status value is reported. It
// receives the pid (or -pgid) the value came from and may rewrite the value.
type Hook func(pid int, v Value) (Value, error)

// Reporter prints human-readable diagnostics for status values.
type Reporter struct {
	mu   sync.Mutex
	out  io.Writer
	hook Hook
}

// NewReporter constructs a reporter writing diagnostics to out.
func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = io.Discard
	}
	return &Reporter{out: out}
}

// SetHook installs or, with nil, removes the reporting hook.
func (r *Reporter) SetHook(h Hook) {
	r.mu.Lock()
	r.hook = h
	r.mu.Unlock()
}

// PrintDiagnostics writes one line per signal-caused member of v that has
// something to say. Plain exit codes are silent.
func (r *Reporter) PrintDiagnostics(pid int, v Value) {
	for _, s := range v {
		sig, ok := SignalNumber(s)
		if !ok {
			continue
		}
		msg := SignalMessage(sig)
		tail := ""
		if HasCore(s) {
			tail = "--core dumped"
			if msg == "" {
				tail = "core dumped"
			}
		}
		if msg == "" && tail == "" {
			continue
		}
		if pid == 0 {
			fmt.Fprintf(r.out, "%s%s\n", msg, tail)
		} else {
			fmt.Fprintf(r.out, "%d: %s%s\n", pid, msg, tail)
		}
	}
}

// Report hands v to the registered hook, or prints diagnostics when there
// is none, and returns the resulting value.
func (r *Reporter) Report(pid int, v Value) (Value, error) {
	r.mu.Lock()
	hook := r.hook
	r.mu.Unlock()
	if hook == nil {
		r.PrintDiagnostics(pid, v)
		return v, nil
	}
	return hook(pid, v)
}
