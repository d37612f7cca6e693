package extension

import (
	"sync/atomic"
	"time"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/extension-bridge/pkg/bus"
)

// State is an extension's lifecycle state.
type State int32

// Lifecycle states. Failed is reachable from any non-terminal state and is
// terminal for that load attempt.
const (
	StateUnloaded State = iota
	StateLoading
	StateInitializing
	StateReady
	StateDraining
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle is the host's record for one loaded extension. Created by the
// loader, owned by the lifecycle manager, destroyed when the extension
// transitions to Unloaded.
type Handle struct {
	Name         string
	Version      *masterminds.Version
	Methods      []string
	Capabilities []string
	Ext          Extension
	Endpoints    *bus.Endpoints
	LoadedAt     time.Time

	state        atomic.Int32
	lastActivity atomic.Int64
}

// NewHandle creates a handle in the Loading state.
func NewHandle(man Manifest, version *masterminds.Version, ext Extension, endpoints *bus.Endpoints) *Handle {
	h := &Handle{
		Name:         man.Name,
		Version:      version,
		Methods:      man.Methods,
		Capabilities: man.Capabilities,
		Ext:          ext,
		Endpoints:    endpoints,
		LoadedAt:     time.Now().UTC(),
	}
	h.state.Store(int32(StateLoading))
	h.TouchActivity()
	return h
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// TransitionTo moves the handle from one state to another. Returns false when
// the handle is no longer in the expected source state, which makes competing
// transitions (e.g. liveness failure racing an unload) settle on one winner.
func (h *Handle) TransitionTo(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

// ForceState sets the state unconditionally. Reserved for the Failed
// transition, which is legal from any non-terminal state.
func (h *Handle) ForceState(s State) {
	h.state.Store(int32(s))
}

// TouchActivity records outbound activity for the liveness watch.
func (h *Handle) TouchActivity() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent outbound activity.
func (h *Handle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}
