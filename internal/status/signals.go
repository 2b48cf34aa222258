package status

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// coreSuffix marks a signal status whose process dumped core.
const coreSuffix = "+core"

var signalMessages = map[syscall.Signal]string{
	unix.SIGHUP:    "hangup",
	unix.SIGINT:    "",
	unix.SIGQUIT:   "quit",
	unix.SIGILL:    "illegal instruction",
	unix.SIGTRAP:   "trace trap",
	unix.SIGABRT:   "abort",
	unix.SIGBUS:    "bus error",
	unix.SIGFPE:    "floating point exception",
	unix.SIGKILL:   "killed",
	unix.SIGUSR1:   "user defined signal 1",
	unix.SIGSEGV:   "segmentation violation",
	unix.SIGUSR2:   "user defined signal 2",
	unix.SIGPIPE:   "",
	unix.SIGALRM:   "alarm clock",
	unix.SIGTERM:   "terminated",
	unix.SIGCHLD:   "child stop or exit",
	unix.SIGCONT:   "continue",
	unix.SIGSTOP:   "asynchronous stop",
	unix.SIGTSTP:   "stopped",
	unix.SIGTTIN:   "background tty read",
	unix.SIGTTOU:   "background tty write",
	unix.SIGURG:    "urgent condition on i/o channel",
	unix.SIGXCPU:   "exceeded cpu time limit",
	unix.SIGXFSZ:   "exceeded file size limit",
	unix.SIGVTALRM: "virtual timer alarm",
	unix.SIGPROF:   "profiling timer alarm",
	unix.SIGWINCH:  "window size change",
	unix.SIGIO:     "i/o is possible",
	unix.SIGSYS:    "bad argument to system call",
}

// SignalName returns the shell spelling of a signal, e.g. "sigint".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return strings.ToLower(name)
	}
	return fmt.Sprintf("sig%d", int(sig))
}

// SignalNumber parses a signal status string ("sigsegv", "sigsegv+core",
// "sig31") back into a signal. ok is false when s does not name a signal.
func SignalNumber(s string) (syscall.Signal, bool) {
	s = strings.TrimSuffix(s, coreSuffix)
	if !strings.HasPrefix(s, "sig") || len(s) <= 3 {
		return 0, false
	}
	if sig := unix.SignalNum(strings.ToUpper(s)); sig != 0 {
		return sig, true
	}
	n, err := strconv.Atoi(s[3:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return syscall.Signal(n), true
}

// SignalMessage returns the human description printed for a signal status.
// Signals that are expected to kill jobs quietly (sigint, sigpipe) have none.
func SignalMessage(sig syscall.Signal) string {
	if msg, ok := signalMessages[sig]; ok {
		return msg
	}
	return SignalName(sig)
}

// HasCore reports whether a status string carries the core-dump suffix.
func HasCore(s string) bool {
	return strings.HasSuffix(s, coreSuffix)
}

// Signals lists every signal with a known name, in numeric order.
func Signals() []syscall.Signal {
	var out []syscall.Signal
	for i := 1; i < 65; i++ {
		sig := syscall.Signal(i)
		if unix.SignalName(sig) != "" {
			out = append(out, sig)
		}
	}
	return out
}
