package prim

import (
	"sort"
	"sync"
)

type entry struct {
	name string
	prim Primitive
}

var (
	registryMu sync.RWMutex
	builtins   []entry
)

// Register associates a primitive with a command name. When several
// primitives register the same name the most recent registration wins.
func Register(name string, p Primitive) {
	if name == "" {
		panic("prim.Register: name must not be empty")
	}
	if p == nil {
		panic("prim.Register: primitive must not be nil")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	for i, e := range builtins {
		if e.name == name {
			builtins[i].prim = p
			return
		}
	}
	builtins = append(builtins, entry{name: name, prim: p})
}

// Registry maps command names to primitives.
type Registry map[string]Primitive

// NewRegistry returns a registry holding every registered primitive.
func NewRegistry() Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()

	reg := make(Registry, len(builtins))
	for _, e := range builtins {
		reg[e.name] = e.prim
	}
	return reg
}

// Lookup returns the primitive registered under name.
func (r Registry) Lookup(name string) (Primitive, bool) {
	p, ok := r[name]
	return p, ok
}

// Names returns the registered command names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
