// Package lifecycle drives each extension through its state machine and
// watches bus health and liveness.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/extension-bridge/pkg/bus"
	"github.com/morezero/extension-bridge/pkg/dispatcher"
	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/events"
	"github.com/morezero/extension-bridge/pkg/extension"
	"github.com/morezero/extension-bridge/pkg/loader"
)

const logPrefix = "lifecycle:manager"

// Status is a point-in-time snapshot of one extension.
type Status struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	State        string   `json:"state"`
	Methods      []string `json:"methods"`
	Capabilities []string `json:"capabilities,omitempty"`
	Pending      int      `json:"pending"`
	LoadedAt     string   `json:"loadedAt"`
}

// Manager owns the set of loaded extensions. It is the only component that
// transitions handle states; the dispatcher and loader report into it.
type Manager struct {
	loader    *loader.Loader
	disp      *dispatcher.Dispatcher
	bus       *bus.Bus
	publisher events.Publisher

	mu      sync.Mutex
	handles map[string]*extension.Handle

	drainGrace       time.Duration
	teardownTimeout  time.Duration
	livenessInterval time.Duration

	// liveness bookkeeping, touched only by the watch goroutine
	watch map[string]livenessMark

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

type livenessMark struct {
	saturated    bool
	lastActivity time.Time
}

// Params holds the dependencies for NewManager.
type Params struct {
	Loader           *loader.Loader
	Dispatcher       *dispatcher.Dispatcher
	Bus              *bus.Bus
	Publisher        events.Publisher
	DrainGrace       time.Duration
	TeardownTimeout  time.Duration
	LivenessInterval time.Duration
}

// NewManager creates a Manager, wires it as the dispatcher's signal handler,
// and starts the liveness watch.
func NewManager(p Params) *Manager {
	pub := p.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	m := &Manager{
		loader:           p.Loader,
		disp:             p.Dispatcher,
		bus:              p.Bus,
		publisher:        pub,
		handles:          make(map[string]*extension.Handle),
		drainGrace:       orDefault(p.DrainGrace, 10*time.Second),
		teardownTimeout:  orDefault(p.TeardownTimeout, 5*time.Second),
		livenessInterval: orDefault(p.LivenessInterval, 5*time.Second),
		watch:            make(map[string]livenessMark),
		done:             make(chan struct{}),
	}
	m.disp.SetSignalHandler(m.handleSignal)
	m.wg.Add(1)
	go m.livenessLoop()
	return m
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Load resolves and initializes the native module at path and brings it to
// Ready. A failure at any step is fatal to this load attempt only.
func (m *Manager) Load(ctx context.Context, path string, opts loader.Options) (*extension.Handle, error) {
	h, err := m.loader.Load(ctx, path, opts)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - load %s failed: %v", logPrefix, path, err))
		return nil, err
	}
	return m.adopt(ctx, h)
}

// LoadInProcess initializes an in-process extension implementation and
// brings it to Ready. Used for statically linked capabilities and tests; the
// dispatcher cannot tell the two adapters apart.
func (m *Manager) LoadInProcess(ctx context.Context, ext extension.Extension, opts loader.Options) (*extension.Handle, error) {
	h, err := m.loader.Wrap(ctx, ext, opts)
	if err != nil {
		return nil, err
	}
	return m.adopt(ctx, h)
}

// adopt takes an initialized handle through Initializing -> Ready, attaching
// it to the dispatcher. A routing conflict rolls the whole load back.
func (m *Manager) adopt(ctx context.Context, h *extension.Handle) (*extension.Handle, error) {
	m.mu.Lock()
	if prev, ok := m.handles[h.Name]; ok && prev.State() != extension.StateFailed && prev.State() != extension.StateUnloaded {
		m.mu.Unlock()
		m.discard(h)
		return nil, envelope.NewLoadError(envelope.ErrCodeDuplicateExtension,
			"extension %q already loaded", h.Name)
	}
	m.handles[h.Name] = h
	m.mu.Unlock()

	if err := m.disp.Attach(h); err != nil {
		m.mu.Lock()
		delete(m.handles, h.Name)
		m.mu.Unlock()
		m.discard(h)
		return nil, err
	}

	if !h.TransitionTo(extension.StateInitializing, extension.StateReady) {
		// Failed concurrently (e.g. fault signal during init); undo routing.
		m.disp.Detach(h.Name)
		return nil, envelope.NewLoadError(envelope.ErrCodeInitFailed,
			"extension %q failed before reaching ready", h.Name)
	}

	m.announce(ctx, h.Name, extension.StateReady, "")
	slog.Info(fmt.Sprintf("%s - extension %s is ready", logPrefix, h.Name))
	return h, nil
}

// discard tears the remnants of a rejected load attempt down.
func (m *Manager) discard(h *extension.Handle) {
	h.ForceState(extension.StateFailed)
	h.Endpoints.Close()
	m.bus.Deregister(h.Name)
}

// Unload drains an extension and releases it. Its methods leave the routing
// table immediately; in-flight requests resolve or time out naturally, and
// whatever is still pending after the grace period is failed explicitly so
// Unload completes in bounded time.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s - extension %q is not loaded", logPrefix, name)
	}
	if !h.TransitionTo(extension.StateReady, extension.StateDraining) {
		return fmt.Errorf("%s - extension %q is %s, not ready", logPrefix, name, h.State())
	}

	m.disp.Detach(name)
	m.announce(ctx, name, extension.StateDraining, "")
	slog.Info(fmt.Sprintf("%s - draining extension %s", logPrefix, name))

	deadline := time.NewTimer(m.drainGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

drain:
	for m.disp.PendingCount(name) > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			n := m.disp.FailPending(name, envelope.NewDispatchError(
				envelope.ErrCodeExtensionUnloaded, "extension %s unloaded while request in flight", name))
			slog.Warn(fmt.Sprintf("%s - drain grace elapsed for %s, force-failed %d request(s)", logPrefix, name, n))
			break drain
		case <-ctx.Done():
			m.disp.FailPending(name, envelope.NewDispatchError(
				envelope.ErrCodeExtensionUnloaded, "extension %s unloaded while request in flight", name))
			break drain
		}
	}

	if err := loader.GuardedTeardown(ctx, h.Ext, m.teardownTimeout); err != nil {
		slog.Warn(fmt.Sprintf("%s - teardown of %s reported: %v", logPrefix, name, err))
	}

	h.Endpoints.Close()
	m.bus.Deregister(name)
	m.disp.Release(name)
	h.TransitionTo(extension.StateDraining, extension.StateUnloaded)

	m.mu.Lock()
	delete(m.handles, name)
	m.mu.Unlock()

	m.announce(ctx, name, extension.StateUnloaded, "")
	slog.Info(fmt.Sprintf("%s - unloaded extension %s", logPrefix, name))
	return nil
}

// Fail force-transitions an extension to Failed: routes purged, pending
// requests resolved with the given code, endpoints closed, module released.
// Failed is terminal for this load attempt; the manager never auto-retries.
func (m *Manager) Fail(name, code, reason string) {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	state := h.State()
	if state == extension.StateFailed || state == extension.StateUnloaded {
		return
	}
	h.ForceState(extension.StateFailed)

	m.disp.Detach(name)
	m.disp.FailPending(name, envelope.NewDispatchError(code, "extension %s failed: %s", name, reason))
	h.Endpoints.Close()
	m.bus.Deregister(name)
	m.disp.Release(name)

	m.announce(context.Background(), name, extension.StateFailed, reason)
	slog.Error(fmt.Sprintf("%s - extension %s failed: %s", logPrefix, name, reason))
}

// handleSignal reacts to lifecycle signal envelopes from extensions. A fault
// signal fails the extension; health signals only refresh the liveness clock
// (already touched by the pump).
func (m *Manager) handleSignal(name string, sig envelope.LifecycleSignal) {
	switch sig.Signal {
	case envelope.SignalFault:
		m.Fail(name, envelope.ErrCodeExtensionUnresponsive, "fault signal: "+sig.Reason)
	case envelope.SignalDegraded:
		slog.Warn(fmt.Sprintf("%s - extension %s degraded: %s", logPrefix, name, sig.Reason))
	default:
		slog.Debug(fmt.Sprintf("%s - signal %q from %s", logPrefix, sig.Signal, name))
	}
}

// livenessLoop periodically checks every Ready extension. An extension whose
// inbound channel has been saturated across two consecutive intervals with
// no outbound activity in between is force-failed as unresponsive.
func (m *Manager) livenessLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkLiveness()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) checkLiveness() {
	m.mu.Lock()
	ready := make([]*extension.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		if h.State() == extension.StateReady {
			ready = append(ready, h)
		}
	}
	m.mu.Unlock()

	seen := make(map[string]bool, len(ready))
	for _, h := range ready {
		seen[h.Name] = true
		saturated := h.Endpoints.InboundLen() >= h.Endpoints.Capacity()
		activity := h.LastActivity()
		prev, tracked := m.watch[h.Name]
		m.watch[h.Name] = livenessMark{saturated: saturated, lastActivity: activity}

		if !tracked || !saturated {
			continue
		}
		if prev.saturated && !activity.After(prev.lastActivity) {
			m.Fail(h.Name, envelope.ErrCodeExtensionUnresponsive,
				"inbound channel saturated with no outbound activity")
		}
	}
	for name := range m.watch {
		if !seen[name] {
			delete(m.watch, name)
		}
	}
}

// Snapshot returns the status of every tracked extension, sorted by name.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]Status, 0, len(m.handles))
	for _, h := range m.handles {
		statuses = append(statuses, Status{
			Name:         h.Name,
			Version:      h.Version.String(),
			State:        h.State().String(),
			Methods:      h.Methods,
			Capabilities: h.Capabilities,
			Pending:      m.disp.PendingCount(h.Name),
			LoadedAt:     h.LoadedAt.Format(time.RFC3339),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Shutdown drains every extension and stops the liveness watch.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopped.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if err := m.Unload(ctx, name); err != nil {
			slog.Warn(fmt.Sprintf("%s - shutdown unload of %s: %v", logPrefix, name, err))
		}
	}
}

// announce publishes a lifecycle transition so operators can observe
// load/ready/failed/unloaded without polling.
func (m *Manager) announce(ctx context.Context, name string, state extension.State, reason string) {
	event := &events.LifecycleEvent{
		Extension: name,
		State:     state.String(),
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.publisher.PublishLifecycle(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish lifecycle event for %s: %v", logPrefix, name, err))
	}
}
