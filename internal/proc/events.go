package proc

import (
	"time"

	"golang.org/x/sys/unix"
)

// EventType names a lifecycle transition of a tracked process or job.
type EventType string

const (
	EventForked    EventType = "forked"
	EventStopped   EventType = "stopped"
	EventContinued EventType = "continued"
	EventExited    EventType = "exited"
	EventFreed     EventType = "freed"
)

// Event describes one transition. Pgid is zero for ungrouped processes;
// Status and Rusage come from wait4 for stopped and exited events.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Pid       int
	Pgid      int
	Status    string
	Args      []string
	Rusage    unix.Rusage
}

// Observer receives events synchronously from the goroutine driving the
// Manager. It must not call back into the Manager.
type Observer func(Event)

func (m *Manager) emit(evt Event) {
	if m.observer == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}
	m.observer(evt)
}
