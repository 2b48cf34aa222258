package proc

import "errors"

// ErrScopeOrder is returned when a job scope is closed while a scope opened
// after it is still open.
var ErrScopeOrder = errors.New("job scope closed out of order")

// Scope is a job context. While it is the innermost open scope, the first
// fork creates a job and every later fork joins it. An inactive scope
// (job control disabled) keeps forks in the shell's own group and hides any
// enclosing scope.
type Scope struct {
	active bool
	pgid   int
}

// Active reports whether forks inside the scope are grouped into a job.
func (s *Scope) Active() bool {
	return s != nil && s.active
}

// Job returns the pgid of the job created inside the scope, if any.
func (s *Scope) Job() (int, bool) {
	if s == nil || s.pgid == 0 {
		return 0, false
	}
	return s.pgid, true
}

// PushScope opens a new job scope.
func (m *Manager) PushScope(active bool) *Scope {
	s := &Scope{active: active}
	m.scopes = append(m.scopes, s)
	return s
}

// PopScope closes s, which must be the innermost open scope. The job created
// inside it, if any, stays in the job table.
func (m *Manager) PopScope(s *Scope) error {
	n := len(m.scopes)
	if n == 0 || m.scopes[n-1] != s {
		return ErrScopeOrder
	}
	m.scopes[n-1] = nil
	m.scopes = m.scopes[:n-1]
	return nil
}

// CurrentScope returns the innermost open scope, or nil.
func (m *Manager) CurrentScope() *Scope {
	if len(m.scopes) == 0 {
		return nil
	}
	return m.scopes[len(m.scopes)-1]
}

// WithJobScope runs fn inside a new scope and closes the scope on every
// return path, panics included.
func (m *Manager) WithJobScope(active bool, fn func(*Scope) error) (err error) {
	s := m.PushScope(active)
	defer func() {
		if popErr := m.PopScope(s); popErr != nil && err == nil {
			err = popErr
		}
	}()
	return fn(s)
}
