// Package routing maps method names to the extension that owns them.
package routing

import (
	"sort"
	"sync"

	"github.com/morezero/extension-bridge/pkg/envelope"
)

// Table is the method-name routing table. At most one extension owns a given
// method at any instant; conflicting registrations are rejected outright
// rather than overwriting, and registration is all-or-nothing so a partially
// routed extension can never exist.
type Table struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{routes: make(map[string]string)}
}

// Register claims every method for the named extension. If any method is
// already owned the whole registration fails with METHOD_CONFLICT and the
// table is left untouched.
func (t *Table) Register(extension string, methods []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range methods {
		if owner, ok := t.routes[m]; ok && owner != extension {
			return envelope.NewDispatchError(envelope.ErrCodeMethodConflict,
				"method %q already owned by extension %q", m, owner)
		}
	}
	for _, m := range methods {
		t.routes[m] = extension
	}
	return nil
}

// Remove atomically purges every route owned by the named extension and
// returns the number of methods removed.
func (t *Table) Remove(extension string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for m, owner := range t.routes {
		if owner == extension {
			delete(t.routes, m)
			removed++
		}
	}
	return removed
}

// Lookup returns the extension that owns a method.
func (t *Table) Lookup(method string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner, ok := t.routes[method]
	return owner, ok
}

// Methods returns the sorted method names owned by an extension.
func (t *Table) Methods(extension string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var methods []string
	for m, owner := range t.routes {
		if owner == extension {
			methods = append(methods, m)
		}
	}
	sort.Strings(methods)
	return methods
}

// Len returns the total number of routed methods.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
