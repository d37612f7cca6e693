// Package correlation tracks pending request/response pairs by correlation id.
package correlation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Outcome is the single resolution of a pending entry: a success payload or
// an error, never both.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Entry is the caller-side handle for one pending request.
type Entry struct {
	ID        string
	Extension string
	Deadline  time.Time
	done      chan Outcome
}

// Done yields the entry's outcome exactly once.
func (e *Entry) Done() <-chan Outcome { return e.done }

// Registry maps correlation ids to pending entries. All mutation happens
// under one mutex; removal from the map is the single-resolution point, so a
// response, a timeout reap and a cancellation can race without an entry ever
// resolving twice.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Insert records a pending entry. A duplicate correlation id is rejected:
// the registry never holds two entries for the same id.
func (r *Registry) Insert(id, extension string, deadline time.Time) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return nil, fmt.Errorf("correlation: duplicate id %s", id)
	}
	e := &Entry{
		ID:        id,
		Extension: extension,
		Deadline:  deadline,
		done:      make(chan Outcome, 1),
	}
	r.entries[id] = e
	return e, nil
}

// Resolve completes the entry for id and removes it. Returns false when the
// id is unknown (late, duplicate or cancelled), in which case the outcome is
// discarded by the caller.
func (r *Registry) Resolve(id string, out Outcome) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.done <- out
	return true
}

// Cancel removes the entry for id without delivering an outcome. Returns
// false when the entry was already resolved or reaped; the caller must then
// read the outcome from Done instead.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Expired returns the entries whose deadline is at or before now, removing
// them from the registry. The caller resolves each one with its timeout
// outcome; removal here keeps the reap linearized with Resolve and Cancel.
func (r *Registry) Expired(now time.Time) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*Entry
	for id, e := range r.entries {
		if !e.Deadline.After(now) {
			delete(r.entries, id)
			expired = append(expired, e)
		}
	}
	return expired
}

// FailExtension removes every pending entry for the named extension and
// resolves each with the given outcome. Returns the number of entries failed.
func (r *Registry) FailExtension(extension string, out Outcome) int {
	r.mu.Lock()
	var failed []*Entry
	for id, e := range r.entries {
		if e.Extension == extension {
			delete(r.entries, id)
			failed = append(failed, e)
		}
	}
	r.mu.Unlock()
	for _, e := range failed {
		e.done <- out
	}
	return len(failed)
}

// PendingCount returns the number of in-flight entries for an extension.
func (r *Registry) PendingCount(extension string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Extension == extension {
			n++
		}
	}
	return n
}

// Len returns the total number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Deliver resolves the expired entry out of band. Used by the reaper after
// Expired has already unlinked the entry from the map.
func (e *Entry) Deliver(out Outcome) {
	e.done <- out
}
