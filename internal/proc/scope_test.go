package proc

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Paintersrp/jobshell/internal/status"
)

func TestPopScopeOutOfOrder(t *testing.T) {
	m := &Manager{}
	outer := m.PushScope(true)
	inner := m.PushScope(true)

	if err := m.PopScope(outer); !errors.Is(err, ErrScopeOrder) {
		t.Fatalf("expected ErrScopeOrder, got %v", err)
	}
	if err := m.PopScope(inner); err != nil {
		t.Fatalf("pop inner: %v", err)
	}
	if err := m.PopScope(outer); err != nil {
		t.Fatalf("pop outer: %v", err)
	}
	if m.CurrentScope() != nil {
		t.Fatalf("expected empty scope stack")
	}
	if err := m.PopScope(outer); !errors.Is(err, ErrScopeOrder) {
		t.Fatalf("expected ErrScopeOrder on empty stack, got %v", err)
	}
}

func TestWithJobScopePopsOnError(t *testing.T) {
	m := &Manager{}
	boom := errors.New("boom")
	err := m.WithJobScope(true, func(s *Scope) error {
		if m.CurrentScope() != s {
			t.Fatalf("scope not current inside body")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error, got %v", err)
	}
	if len(m.scopes) != 0 {
		t.Fatalf("scope leaked: %d open", len(m.scopes))
	}
}

func TestWithJobScopePopsOnPanic(t *testing.T) {
	m := &Manager{}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = m.WithJobScope(true, func(*Scope) error {
			panic("unwind")
		})
	}()
	if len(m.scopes) != 0 {
		t.Fatalf("scope leaked after panic: %d open", len(m.scopes))
	}
}

func TestInactiveScopeShadowsOuter(t *testing.T) {
	m := &Manager{}
	outer := m.PushScope(true)
	outer.pgid = 99
	inner := m.PushScope(false)

	if m.CurrentScope().Active() {
		t.Fatalf("inactive scope should hide the active outer scope")
	}
	if _, ok := inner.Job(); ok {
		t.Fatalf("inactive scope has no job")
	}
	if pgid, ok := outer.Job(); !ok || pgid != 99 {
		t.Fatalf("outer.Job() = %d, %v", pgid, ok)
	}
	var nilScope *Scope
	if nilScope.Active() {
		t.Fatalf("nil scope must be inactive")
	}
}

func TestNestedActiveScopesFormSeparateJobs(t *testing.T) {
	m := newTestManager(t)

	var outerPgid, innerPgid, outerLater int
	err := m.WithJobScope(true, func(outer *Scope) error {
		forkShell(t, m, "exit 1")
		if err := m.WithJobScope(true, func(inner *Scope) error {
			forkShell(t, m, "exit 2")
			innerPgid, _ = inner.Job()
			return nil
		}); err != nil {
			return err
		}
		outerLater = forkShell(t, m, "exit 3")
		outerPgid, _ = outer.Job()
		return nil
	})
	if err != nil {
		t.Fatalf("job scope: %v", err)
	}

	if outerPgid == 0 || innerPgid == 0 || outerPgid == innerPgid {
		t.Fatalf("outer pgid %d, inner pgid %d: want two distinct jobs", outerPgid, innerPgid)
	}
	if pgid, ok := m.PidToGroup(outerLater); !ok || pgid != outerPgid {
		t.Fatalf("fork after inner scope joined %d, want %d", pgid, outerPgid)
	}
	if got := len(m.FindJob(innerPgid).Procs); got != 1 {
		t.Fatalf("inner job has %d members, want 1", got)
	}

	inner, err := m.Wait(waitCtx(t), -innerPgid, WaitOptions{})
	if err != nil || !reflect.DeepEqual(inner.Status, status.Value{"2"}) {
		t.Fatalf("inner wait = %v, %v; want [2]", inner.Status, err)
	}
	outer, err := m.Wait(waitCtx(t), -outerPgid, WaitOptions{})
	if err != nil || !reflect.DeepEqual(outer.Status, status.Value{"1", "3"}) {
		t.Fatalf("outer wait = %v, %v; want [1 3]", outer.Status, err)
	}
}
