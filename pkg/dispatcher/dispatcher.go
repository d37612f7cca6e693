// Package dispatcher routes requests to the owning extension and correlates
// replies back to the caller.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/extension-bridge/pkg/correlation"
	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/events"
	"github.com/morezero/extension-bridge/pkg/extension"
	"github.com/morezero/extension-bridge/pkg/routing"
)

const logPrefix = "dispatcher:dispatch"

// SignalHandler observes lifecycle signal envelopes read off an extension's
// outbound channel. Set by the lifecycle manager.
type SignalHandler func(extensionName string, signal envelope.LifecycleSignal)

// Dispatcher owns the routing table and correlation registry and fans
// requests out to extensions over their bus endpoints. A receive pump per
// attached extension fans responses, events and lifecycle signals back in.
type Dispatcher struct {
	routes    *routing.Table
	registry  *correlation.Registry
	publisher events.Publisher

	mu      sync.RWMutex
	handles map[string]*extension.Handle

	onSignal SignalHandler

	defaultTimeout time.Duration
	sendTimeout    time.Duration
	reapInterval   time.Duration

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Params holds the dependencies for NewDispatcher.
type Params struct {
	Publisher      events.Publisher
	DefaultTimeout time.Duration
	SendTimeout    time.Duration
	ReapInterval   time.Duration
}

// NewDispatcher creates a Dispatcher and starts its timeout reaper.
func NewDispatcher(p Params) *Dispatcher {
	pub := p.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	d := &Dispatcher{
		routes:         routing.NewTable(),
		registry:       correlation.NewRegistry(),
		publisher:      pub,
		handles:        make(map[string]*extension.Handle),
		defaultTimeout: orDefault(p.DefaultTimeout, 5*time.Second),
		sendTimeout:    orDefault(p.SendTimeout, 2*time.Second),
		reapInterval:   orDefault(p.ReapInterval, 100*time.Millisecond),
		done:           make(chan struct{}),
	}
	d.wg.Add(1)
	go d.reapLoop()
	return d
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// SetSignalHandler installs the lifecycle signal observer. Must be called
// before the first Attach.
func (d *Dispatcher) SetSignalHandler(h SignalHandler) {
	d.onSignal = h
}

// Attach registers an extension's methods and starts its receive pump. A
// method conflict rejects the whole attachment and leaves existing routes
// intact.
func (d *Dispatcher) Attach(h *extension.Handle) error {
	if err := d.routes.Register(h.Name, h.Methods); err != nil {
		return err
	}

	d.mu.Lock()
	d.handles[h.Name] = h
	d.mu.Unlock()

	d.wg.Add(1)
	go d.pump(h)
	return nil
}

// Detach removes an extension's routes so no new request reaches it.
// In-flight entries and the receive pump are untouched: responses still
// resolve while the extension drains.
func (d *Dispatcher) Detach(name string) int {
	return d.routes.Remove(name)
}

// Release forgets the extension's handle after its endpoints are closed.
func (d *Dispatcher) Release(name string) {
	d.mu.Lock()
	delete(d.handles, name)
	d.mu.Unlock()
}

// FailPending resolves every in-flight entry for an extension with the given
// dispatch error. Returns the number of entries failed.
func (d *Dispatcher) FailPending(name string, err *envelope.DispatchError) int {
	n := d.registry.FailExtension(name, correlation.Outcome{Err: err})
	if n > 0 {
		slog.Warn(fmt.Sprintf("%s - failed %d pending request(s) for %s: %s", logPrefix, n, name, err.Code))
	}
	return n
}

// PendingCount returns the number of in-flight requests for an extension.
func (d *Dispatcher) PendingCount(name string) int {
	return d.registry.PendingCount(name)
}

// Dispatch routes a request to the extension owning the method and waits for
// the matching response. Exactly one of the returned values is set. The
// caller's context cancels the wait; the request itself is bounded by
// timeout (zero means the dispatcher default), enforced by the reaper even
// if the extension never replies.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	owner, ok := d.routes.Lookup(method)
	if !ok {
		return nil, envelope.NewDispatchError(envelope.ErrCodeMethodNotFound, "unknown method: %s", method)
	}

	d.mu.RLock()
	h, ok := d.handles[owner]
	d.mu.RUnlock()
	if !ok {
		// Routes are purged before handles are released; hitting this means
		// the extension went away between lookup and send.
		return nil, envelope.NewDispatchError(envelope.ErrCodeExtensionUnloaded,
			"extension %s is no longer loaded", owner)
	}

	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	id := envelope.NewCorrelationID()
	entry, err := d.registry.Insert(id, owner, time.Now().Add(timeout))
	if err != nil {
		return nil, envelope.NewDispatchError(envelope.ErrCodeInvalidRequest, "%v", err)
	}

	slog.Debug(fmt.Sprintf("%s - method=%s extension=%s id=%s timeout=%s", logPrefix, method, owner, id, timeout))

	req := envelope.NewRequest(id, method, params)
	if err := h.Endpoints.Send(ctx, req, d.sendTimeout); err != nil {
		d.registry.Cancel(id)
		return nil, err
	}

	select {
	case out := <-entry.Done():
		return out.Payload, out.Err
	case <-ctx.Done():
		if !d.registry.Cancel(id) {
			// Lost the race: a response or the reaper resolved first.
			out := <-entry.Done()
			return out.Payload, out.Err
		}
		slog.Debug(fmt.Sprintf("%s - cancelled id=%s method=%s", logPrefix, id, method))
		return nil, envelope.NewDispatchError(envelope.ErrCodeCancelled, "request cancelled: %v", ctx.Err())
	}
}

// pump reads one extension's outbound channel until its endpoints close,
// fanning each envelope to its destination.
func (d *Dispatcher) pump(h *extension.Handle) {
	defer d.wg.Done()
	for {
		select {
		case env := <-h.Endpoints.Outbound():
			h.TouchActivity()
			d.route(h, env)
		case <-h.Endpoints.Done():
			d.drainOutbound(h)
			return
		case <-d.done:
			return
		}
	}
}

// drainOutbound consumes responses already queued when the endpoints closed,
// so an extension that replied just before draining finished still resolves
// its callers.
func (d *Dispatcher) drainOutbound(h *extension.Handle) {
	for {
		select {
		case env := <-h.Endpoints.Outbound():
			d.route(h, env)
		default:
			return
		}
	}
}

func (d *Dispatcher) route(h *extension.Handle, env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindResponse:
		d.resolve(h.Name, env)
	case envelope.KindEvent:
		event := &events.ExtensionEvent{
			Extension: h.Name,
			Topic:     env.Topic,
			Payload:   env.Payload,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := d.publisher.PublishEvent(context.Background(), event); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to publish event %s.%s: %v", logPrefix, h.Name, env.Topic, err))
		}
	case envelope.KindLifecycle:
		if env.Signal != nil && d.onSignal != nil {
			d.onSignal(h.Name, *env.Signal)
		}
	default:
		slog.Warn(fmt.Sprintf("%s - dropping envelope of kind %q from %s", logPrefix, env.Kind, h.Name))
	}
}

// resolve completes the pending entry for a response. Late or duplicate
// responses (entry already resolved, timed out or cancelled) are dropped and
// logged as non-fatal anomalies.
func (d *Dispatcher) resolve(name string, env envelope.Envelope) {
	var out correlation.Outcome
	if env.Error != nil {
		out.Err = envelope.NewDispatchError(env.Error.Code, "%s", env.Error.Message)
	} else {
		out.Payload = env.Result
	}
	if !d.registry.Resolve(env.ID, out) {
		slog.Debug(fmt.Sprintf("%s - dropping late or duplicate response id=%s from %s", logPrefix, env.ID, name))
	}
}

// reapLoop periodically scans for entries past their deadline and resolves
// them with TIMEOUT, making timeout enforcement independent of extension
// behavior.
func (d *Dispatcher) reapLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, entry := range d.registry.Expired(now) {
				slog.Debug(fmt.Sprintf("%s - timed out id=%s extension=%s", logPrefix, entry.ID, entry.Extension))
				entry.Deliver(correlation.Outcome{Err: envelope.NewDispatchError(
					envelope.ErrCodeTimeout, "no response from %s before deadline", entry.Extension)})
			}
		case <-d.done:
			return
		}
	}
}

// Close stops the reaper and every pump. Pending entries are failed with
// CANCELLED so no caller is left waiting.
func (d *Dispatcher) Close() {
	d.stopped.Do(func() {
		close(d.done)
	})
	d.mu.RLock()
	names := make([]string, 0, len(d.handles))
	for name := range d.handles {
		names = append(names, name)
	}
	d.mu.RUnlock()
	for _, name := range names {
		d.registry.FailExtension(name, correlation.Outcome{Err: envelope.NewDispatchError(
			envelope.ErrCodeCancelled, "dispatcher shutting down")})
	}
	d.wg.Wait()
}
