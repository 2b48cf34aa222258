// Package signals is the shell's view of asynchronous signal delivery.
//
// Each signal has an Effect. Caught signals never run shell code directly:
// the receiving goroutine only records the signal as pending and pokes a
// wake channel. The evaluator converts a pending signal into an Interrupt
// error at its own checkpoints by calling Check.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Paintersrp/jobshell/internal/status"
)

// Effect is the disposition installed for a signal.
type Effect int

const (
	// Default restores the operating system's default action.
	Default Effect = iota
	// Ignore discards the signal at the kernel level. Ignored dispositions
	// survive exec, so the shell only ignores signals transiently.
	Ignore
	// Catch records the signal as a pending interrupt.
	Catch
	// Noop catches the signal and drops it.
	Noop
)

// String returns the effect name.
func (e Effect) String() string {
	switch e {
	case Default:
		return "default"
	case Ignore:
		return "ignore"
	case Catch:
		return "catch"
	case Noop:
		return "noop"
	default:
		return "unknown"
	}
}

// Interrupt is returned by Check when a caught signal is pending.
type Interrupt struct {
	Signal syscall.Signal
}

func (i *Interrupt) Error() string {
	return "signal " + status.SignalName(i.Signal)
}

// Interrupted marks the error as an asynchronous interruption.
func (i *Interrupt) Interrupted() bool { return true }

// Table tracks installed effects and the pending-interrupt token.
type Table struct {
	mu      sync.Mutex
	effects map[syscall.Signal]Effect

	caught  chan os.Signal
	dropped chan os.Signal
	pending atomic.Int32
	wake    chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a table and starts its receiving goroutine.
func New() *Table {
	t := &Table{
		effects: make(map[syscall.Signal]Effect),
		caught:  make(chan os.Signal, 8),
		dropped: make(chan os.Signal, 8),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go t.receive()
	return t
}

func (t *Table) receive() {
	for {
		select {
		case sig := <-t.caught:
			if s, ok := sig.(syscall.Signal); ok {
				t.Raise(s)
			}
		case <-t.dropped:
		case <-t.stop:
			return
		}
	}
}

// Install sets the effect for sig and returns the previous one.
func (t *Table) Install(sig syscall.Signal, e Effect) Effect {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.effects[sig]
	if prev == e {
		return prev
	}
	signal.Reset(sig)
	switch e {
	case Ignore:
		signal.Ignore(sig)
	case Catch:
		signal.Notify(t.caught, sig)
	case Noop:
		signal.Notify(t.dropped, sig)
	}
	if e == Default {
		delete(t.effects, sig)
	} else {
		t.effects[sig] = e
	}
	return prev
}

// Effect reports the effect currently installed for sig.
func (t *Table) Effect(sig syscall.Signal) Effect {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effects[sig]
}

// Raise marks sig as pending, exactly as if it had been delivered.
func (t *Table) Raise(sig syscall.Signal) {
	t.pending.Store(int32(sig))
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Pending returns a channel that receives a value whenever a caught signal
// arrives. It is only a wake-up; Check decides whether to unwind.
func (t *Table) Pending() <-chan struct{} {
	return t.wake
}

// Check is the interrupt checkpoint. It clears and returns the pending
// signal as an *Interrupt, or nil when nothing is pending.
func (t *Table) Check() error {
	sig := t.pending.Swap(0)
	if sig == 0 {
		return nil
	}
	select {
	case <-t.wake:
	default:
	}
	return &Interrupt{Signal: syscall.Signal(sig)}
}

// Close restores default dispositions and stops the receiving goroutine.
func (t *Table) Close() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		for sig := range t.effects {
			signal.Reset(sig)
		}
		t.effects = make(map[syscall.Signal]Effect)
		t.mu.Unlock()
		close(t.stop)
	})
}
