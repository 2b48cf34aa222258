package tty

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/Paintersrp/jobshell/internal/signals"
)

// EnableJobControl puts the shell in its own process group and makes that
// group the foreground of the terminal on stdin. If the shell was started in
// the background it stops itself with SIGTTIN until it is foregrounded.
func (a *Arbiter) EnableJobControl() error {
	if a.jobControl {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ErrNotTerminal
	}
	if err := a.enable(); err != nil {
		// unwinding may fail too; the original error is the interesting one
		_ = a.disable()
		return err
	}
	a.jobControl = true
	return nil
}

func (a *Arbiter) enable() error {
	if a.sigs != nil {
		prev := a.sigs.Install(unix.SIGTTIN, signals.Default)
		defer a.sigs.Install(unix.SIGTTIN, prev)
	}
	for {
		fg, err := tcgetpgrp(0)
		if err != nil {
			return fmt.Errorf("tcgetpgrp: %w", err)
		}
		pgrp := unix.Getpgrp()
		if fg == pgrp {
			break
		}
		if err := unix.Kill(-pgrp, unix.SIGTTIN); err != nil {
			return fmt.Errorf("stop for terminal: %w", err)
		}
	}

	pid := os.Getpid()
	if unix.Getpgrp() != pid {
		if err := unix.Setpgid(0, pid); err != nil {
			return fmt.Errorf("setpgid: %w", err)
		}
	}
	a.shellPgid = pid

	if fg, err := tcgetpgrp(0); err == nil && fg == pid {
		return nil
	}
	if err := a.setForeground(0, pid); err != nil {
		return fmt.Errorf("tcsetpgrp: %w", err)
	}
	return nil
}

// DisableJobControl returns the shell and the terminal to the process group
// the shell started in.
func (a *Arbiter) DisableJobControl() error {
	if !a.jobControl {
		return nil
	}
	if err := a.disable(); err != nil {
		return err
	}
	a.jobControl = false
	return nil
}

func (a *Arbiter) disable() error {
	if unix.Getpgrp() == a.initialPgid {
		a.shellPgid = a.initialPgid
		return nil
	}
	// stderr, because stdin may already be at EOF when the shell exits
	if err := a.setForeground(2, a.initialPgid); err != nil {
		return fmt.Errorf("tcsetpgrp: %w", err)
	}
	if err := unix.Setpgid(0, a.initialPgid); err != nil {
		return fmt.Errorf("setpgid: %w", err)
	}
	a.shellPgid = a.initialPgid
	return nil
}
