// Package tty arbitrates ownership of the controlling terminal between the
// shell's own process group and the jobs it runs.
package tty

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/signals"
)

var (
	// ErrNoTTY is returned when the shell has no controlling terminal.
	ErrNoTTY = errors.New("no controlling terminal")
	// ErrNotTerminal is returned when job control is requested but stdin
	// is not a terminal.
	ErrNotTerminal = errors.New("stdin is not a terminal")
)

// SignalInstaller is the part of the signal table the arbiter needs.
type SignalInstaller interface {
	Install(sig syscall.Signal, e signals.Effect) signals.Effect
}

var jobControlSignals = []syscall.Signal{unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU}

// Arbiter owns the controlling terminal descriptor.
type Arbiter struct {
	tty  *os.File
	fd   int
	sigs SignalInstaller

	shellPgid   int
	initialPgid int
	initialFg   int
	jobControl  bool
}

// Open opens /dev/tty. A shell without a controlling terminal still gets a
// usable arbiter whose operations report ErrNoTTY.
func Open(sigs SignalInstaller) *Arbiter {
	a := &Arbiter{fd: -1, sigs: sigs, shellPgid: unix.Getpgrp()}
	a.initialPgid = a.shellPgid
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		logutil.Default().Debug("no controlling terminal", "err", err)
		return a
	}
	a.tty = f
	a.fd = int(f.Fd())
	if fg, err := tcgetpgrp(a.fd); err == nil {
		a.initialFg = fg
	}
	return a
}

// Detached returns an arbiter with no terminal, used when the shell runs
// non-interactively.
func Detached(sigs SignalInstaller) *Arbiter {
	pgid := unix.Getpgrp()
	return &Arbiter{fd: -1, sigs: sigs, shellPgid: pgid, initialPgid: pgid}
}

// Fd returns the terminal descriptor, or -1.
func (a *Arbiter) Fd() int {
	return a.fd
}

// HasTTY reports whether a controlling terminal is open.
func (a *Arbiter) HasTTY() bool {
	return a.fd >= 0
}

// ShellGroup returns the process group the shell considers its own.
func (a *Arbiter) ShellGroup() int {
	return a.shellPgid
}

// JobControl reports whether job control is enabled.
func (a *Arbiter) JobControl() bool {
	return a.jobControl
}

// Foreground returns the terminal's current foreground process group.
func (a *Arbiter) Foreground() (int, error) {
	if a.fd < 0 {
		return 0, ErrNoTTY
	}
	return tcgetpgrp(a.fd)
}

// Take makes pgid the terminal's foreground process group.
func (a *Arbiter) Take(pgid int) error {
	if a.fd < 0 {
		return ErrNoTTY
	}
	if err := a.setForeground(a.fd, pgid); err != nil {
		return fmt.Errorf("tcsetpgrp %d: %w", pgid, err)
	}
	logutil.Default().Debug("terminal handed to job", "pgid", pgid)
	return nil
}

// Restore hands the terminal back to the shell's group when some other
// group holds it.
func (a *Arbiter) Restore() error {
	if a.fd < 0 {
		return ErrNoTTY
	}
	fg, err := tcgetpgrp(a.fd)
	if err != nil {
		return fmt.Errorf("tcgetpgrp: %w", err)
	}
	if a.shellPgid == 0 || fg == a.shellPgid {
		return nil
	}
	if err := a.setForeground(a.fd, a.shellPgid); err != nil {
		return fmt.Errorf("tcsetpgrp %d: %w", a.shellPgid, err)
	}
	return nil
}

// ReturnOriginal gives the terminal back to the group that owned it when the
// shell started. It is the last thing the shell does before exiting.
func (a *Arbiter) ReturnOriginal() error {
	if a.fd < 0 || a.initialFg == 0 {
		return nil
	}
	fg, err := tcgetpgrp(a.fd)
	if err != nil || fg == a.initialFg {
		return nil
	}
	return a.setForeground(a.fd, a.initialFg)
}

// Close releases the terminal descriptor.
func (a *Arbiter) Close() error {
	if a.tty == nil {
		return nil
	}
	err := a.tty.Close()
	a.tty = nil
	a.fd = -1
	return err
}

// setForeground performs tcsetpgrp with the job-control signals ignored so
// the shell is not stopped for touching the terminal from the background.
func (a *Arbiter) setForeground(fd, pgid int) error {
	if a.sigs != nil {
		prev := make([]signals.Effect, len(jobControlSignals))
		for i, sig := range jobControlSignals {
			prev[i] = a.sigs.Install(sig, signals.Ignore)
		}
		defer func() {
			for i, sig := range jobControlSignals {
				a.sigs.Install(sig, prev[i])
			}
		}()
	}
	return tcsetpgrp(fd, pgid)
}

func tcgetpgrp(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCGPGRP)
}

func tcsetpgrp(fd, pgid int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgid)
}
