// Package namespace implements lookup tables keyed by "::"-separated names
// where a name also matches every registration made under one of its ancestors.
package namespace

import (
	"strings"
	"sync"
)

// Separator joins the segments of a name.
const Separator = "::"

// Ancestors returns name and all of its ancestors, outermost first.
// Ancestors("A::B::C") is ["A", "A::B", "A::B::C"].
func Ancestors(name string) []string {
	if name == "" {
		return nil
	}
	parts := strings.Split(name, Separator)
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[:i+1], Separator))
	}
	return out
}

// IsAncestor reports whether prefix equals name or is one of its ancestors.
func IsAncestor(prefix, name string) bool {
	if prefix == name {
		return true
	}
	return strings.HasPrefix(name, prefix+Separator)
}

type entry[V any] struct {
	name  string
	value V
}

// Table stores values under names and keeps registration order.
type Table[V any] struct {
	mu      sync.RWMutex
	entries []entry[V]
	index   map[string][]int
}

// NewTable creates an empty table.
func NewTable[V any]() *Table[V] {
	return &Table[V]{index: make(map[string][]int)}
}

// Add appends value under name. A name may carry several values.
func (t *Table[V]) Add(name string, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.index[name] = append(t.index[name], len(t.entries))
	t.entries = append(t.entries, entry[V]{name: name, value: value})
}

// Exact returns the values registered under exactly name, in registration order.
func (t *Table[V]) Exact(name string) []V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.index[name]
	out := make([]V, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.entries[i].value)
	}
	return out
}

// Matching returns every value registered under name or one of its ancestors,
// in registration order.
func (t *Table[V]) Matching(name string) []V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []V
	for _, e := range t.entries {
		if IsAncestor(e.name, name) {
			out = append(out, e.value)
		}
	}
	return out
}

// Nearest returns the most recent value registered under name, falling back to
// the closest ancestor.
func (t *Table[V]) Nearest(name string) (V, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	candidates := Ancestors(name)
	for i := len(candidates) - 1; i >= 0; i-- {
		if idx := t.index[candidates[i]]; len(idx) > 0 {
			e := t.entries[idx[len(idx)-1]]
			return e.value, e.name, true
		}
	}
	var zero V
	return zero, "", false
}

// Names returns the distinct registered names in first-registration order.
func (t *Table[V]) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.index))
	out := make([]string, 0, len(t.index))
	for _, e := range t.entries {
		if _, ok := seen[e.name]; ok {
			continue
		}
		seen[e.name] = struct{}{}
		out = append(out, e.name)
	}
	return out
}
