// Package bus provides the per-extension bounded channel pairs that carry
// envelopes between the dispatcher and loaded extensions.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/extension-bridge/pkg/envelope"
)

const logPrefix = "bus:bus"

// DefaultCapacity is the per-direction channel capacity used when an
// extension's manifest entry does not override it.
const DefaultCapacity = 64

// Endpoints is one extension's channel pair: toExtension carries requests
// from the dispatcher to the extension, fromExtension carries responses,
// events and lifecycle signals back. Both directions are bounded FIFO.
//
// The data channels are never closed; Close signals shutdown through the
// done channel so concurrent senders cannot panic mid-send.
type Endpoints struct {
	toExtension   chan envelope.Envelope
	fromExtension chan envelope.Envelope
	done          chan struct{}
	closeOnce     sync.Once
	capacity      int
}

// NewEndpoints creates a channel pair with the given per-direction capacity.
// A non-positive capacity falls back to DefaultCapacity.
func NewEndpoints(capacity int) *Endpoints {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Endpoints{
		toExtension:   make(chan envelope.Envelope, capacity),
		fromExtension: make(chan envelope.Envelope, capacity),
		done:          make(chan struct{}),
		capacity:      capacity,
	}
}

// Capacity returns the per-direction channel capacity.
func (e *Endpoints) Capacity() int { return e.capacity }

// InboundLen returns the number of envelopes queued toward the extension.
// Used by the liveness watch to detect a saturated inbound channel.
func (e *Endpoints) InboundLen() int { return len(e.toExtension) }

// Done is closed when the endpoints are shut down.
func (e *Endpoints) Done() <-chan struct{} { return e.done }

// Closed reports whether Close has been called.
func (e *Endpoints) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Send delivers an envelope toward the extension. If the channel is full the
// send blocks until space frees, the context is cancelled, or sendTimeout
// elapses; on timeout it fails with CONGESTED rather than dropping silently.
func (e *Endpoints) Send(ctx context.Context, env envelope.Envelope, sendTimeout time.Duration) error {
	select {
	case <-e.done:
		return envelope.NewBusError(envelope.ErrCodeClosed, "inbound channel closed")
	default:
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case e.toExtension <- env:
		return nil
	case <-e.done:
		return envelope.NewBusError(envelope.ErrCodeClosed, "inbound channel closed")
	case <-ctx.Done():
		return envelope.NewBusError(envelope.ErrCodeClosed, "send cancelled: %v", ctx.Err())
	case <-timer.C:
		return envelope.NewBusError(envelope.ErrCodeCongested,
			"inbound channel full for %s (capacity %d)", sendTimeout, e.capacity)
	}
}

// Emit delivers an envelope from the extension toward the host. Extensions
// call this through their HostContext; a shut-down endpoint fails with CLOSED.
func (e *Endpoints) Emit(env envelope.Envelope) error {
	select {
	case <-e.done:
		return envelope.NewBusError(envelope.ErrCodeClosed, "outbound channel closed")
	default:
	}

	select {
	case e.fromExtension <- env:
		return nil
	case <-e.done:
		return envelope.NewBusError(envelope.ErrCodeClosed, "outbound channel closed")
	}
}

// Inbound is the extension-facing receive side of the toExtension channel.
func (e *Endpoints) Inbound() <-chan envelope.Envelope { return e.toExtension }

// Outbound is the host-facing receive side of the fromExtension channel.
func (e *Endpoints) Outbound() <-chan envelope.Envelope { return e.fromExtension }

// Close shuts the endpoints down. Pending envelopes already queued are left
// to drain; blocked senders and receivers are released through done.
func (e *Endpoints) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// Bus tracks the endpoints registered for each loaded extension.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoints
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoints)}
}

// Register records an extension's endpoints. Registering a name that is
// already present fails; the loader must deregister the previous attempt first.
func (b *Bus) Register(name string, e *Endpoints) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[name]; ok {
		return fmt.Errorf("%s - endpoints already registered for %q", logPrefix, name)
	}
	b.endpoints[name] = e
	slog.Debug(fmt.Sprintf("%s - registered endpoints for %s (capacity %d)", logPrefix, name, e.capacity))
	return nil
}

// Deregister removes an extension's endpoints. Missing names are a no-op.
func (b *Bus) Deregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, name)
}

// Get returns the endpoints registered for an extension.
func (b *Bus) Get(name string) (*Endpoints, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.endpoints[name]
	return e, ok
}
