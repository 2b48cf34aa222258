// Package status converts raw wait results into shell status values and
// interprets those values as truth and exit codes.
package status

import (
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Value is the shell-visible result of a command or wait: one string per
// process, oldest first. Each member is a decimal exit code or a signal name.
type Value []string

// True and False are the canonical single-member values.
var (
	True  = Value{"0"}
	False = Value{"1"}
)

// IsTrue reports whether every member of v is empty or "0".
func IsTrue(v Value) bool {
	for _, s := range v {
		if s != "" && s != "0" {
			return false
		}
	}
	return true
}

// ExitValue turns a status value into a process exit code.
func ExitValue(v Value) int {
	switch len(v) {
	case 0:
		return 0
	case 1:
	default:
		if IsTrue(v) {
			return 0
		}
		return 1
	}
	s := v[0]
	if s == "" {
		return 0
	}
	n, err := ParseNumber(s)
	if err != nil || n < 0 || n > 255 {
		return 1
	}
	return int(n)
}

// ParseNumber parses a decimal, 0x hexadecimal or leading-zero octal
// integer. Underscores and the 0b and 0o prefixes are rejected.
func ParseNumber(s string) (int64, error) {
	digits := strings.TrimLeft(s, "+-")
	if strings.Contains(s, "_") || hasPrefixFold(digits, "0b") || hasPrefixFold(digits, "0o") {
		return 0, &strconv.NumError{Func: "ParseNumber", Num: s, Err: strconv.ErrSyntax}
	}
	return strconv.ParseInt(s, 0, 64)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Encode renders a raw wait status as a status string.
func Encode(ws unix.WaitStatus) string {
	switch {
	case ws.Stopped():
		return SignalName(ws.StopSignal())
	case ws.Signaled():
		name := SignalName(ws.Signal())
		if ws.CoreDump() {
			name += coreSuffix
		}
		return name
	default:
		return strconv.Itoa(ws.ExitStatus())
	}
}

// FromBool returns True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// String joins the members with spaces.
func (v Value) String() string {
	return strings.Join(v, " ")
}

// Exited builds the raw status of a process that exited with code.
func Exited(code int) unix.WaitStatus {
	return unix.WaitStatus((code & 0xff) << 8)
}

// Signaled builds the raw status of a process killed by sig.
func Signaled(sig syscall.Signal, core bool) unix.WaitStatus {
	ws := unix.WaitStatus(int(sig) & 0x7f)
	if core {
		ws |= 0x80
	}
	return ws
}

// StoppedBy builds the raw status of a process stopped by sig.
func StoppedBy(sig syscall.Signal) unix.WaitStatus {
	return unix.WaitStatus((int(sig)&0xff)<<8 | 0x7f)
}
