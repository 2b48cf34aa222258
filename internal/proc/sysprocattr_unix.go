//go:build !windows

package proc

import "syscall"

// placement describes where a new child goes in the process-group space.
type placement struct {
	grouped    bool
	pgid       int // zero: start a new group led by the child
	foreground bool
	ttyFd      int
}

func buildSysProcAttr(pl placement) *syscall.SysProcAttr {
	switch {
	case !pl.grouped:
		return &syscall.SysProcAttr{}
	case pl.pgid == 0 && pl.foreground && pl.ttyFd >= 0:
		// the child takes the terminal itself before exec, so a job that
		// reads immediately is not stopped by SIGTTIN
		return &syscall.SysProcAttr{Setpgid: true, Foreground: true, Ctty: pl.ttyFd}
	default:
		return &syscall.SysProcAttr{Setpgid: true, Pgid: pl.pgid}
	}
}
