package proc

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// dowait polls wait4 for a state change of wpid. A blocking call sleeps
// between polls until SIGCHLD arrives, reporting EINTR when an interrupt is
// pending instead. In degraded mode every poll waits for any child.
func (m *Manager) dowait(ctx context.Context, wpid int, block bool) (int, unix.WaitStatus, unix.Rusage, error) {
	if m.mode == WaiterDegraded {
		wpid = -1
	}
	for {
		// consume a stale wake first; a SIGCHLD sent after the poll below
		// stays buffered for the select
		select {
		case <-m.chld:
		default:
		}

		var ws unix.WaitStatus
		var ru unix.Rusage
		pid, err := m.wait4(wpid, &ws, unix.WUNTRACED|unix.WNOHANG, &ru)
		if err != nil || pid != 0 || !block {
			return pid, ws, ru, err
		}

		timer := time.NewTimer(m.pollInterval)
		select {
		case <-m.chld:
		case <-timer.C:
		case <-m.intr.Pending():
			timer.Stop()
			return 0, ws, ru, unix.EINTR
		case <-ctx.Done():
			timer.Stop()
			return 0, ws, ru, ctx.Err()
		}
		timer.Stop()
	}
}
