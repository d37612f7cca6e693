// Package bridge assembles the bus, loader, dispatcher and lifecycle manager
// into the host-facing runtime bridge API.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/extension-bridge/pkg/bus"
	"github.com/morezero/extension-bridge/pkg/dispatcher"
	"github.com/morezero/extension-bridge/pkg/events"
	"github.com/morezero/extension-bridge/pkg/extension"
	"github.com/morezero/extension-bridge/pkg/lifecycle"
	"github.com/morezero/extension-bridge/pkg/loader"
)

const logPrefix = "bridge:bridge"

// Config tunes a Bridge. Zero values fall back to component defaults.
type Config struct {
	// HostVersion is the bridge interface version extensions are checked
	// against. Required.
	HostVersion string
	// CompatRange optionally narrows accepted extension versions further
	// (e.g. ">=1.2.0").
	CompatRange string
	// ChannelCapacity is the default per-direction bus channel capacity.
	ChannelCapacity int
	// DefaultTimeout bounds Invoke calls that pass no timeout.
	DefaultTimeout time.Duration
	// SendTimeout bounds a blocked send into a full inbound channel.
	SendTimeout time.Duration
	// ReapInterval is the timeout reaper's scan period.
	ReapInterval time.Duration
	// InitTimeout bounds extension initializers.
	InitTimeout time.Duration
	// TeardownTimeout bounds extension teardown during draining.
	TeardownTimeout time.Duration
	// DrainGrace bounds how long Unload waits for in-flight requests.
	DrainGrace time.Duration
	// LivenessInterval is the liveness watch period.
	LivenessInterval time.Duration
}

// Bridge is the extension runtime bridge: it loads extensions, routes
// invocations to them, and fans their events out to subscribers.
type Bridge struct {
	bus     *bus.Bus
	loader  *loader.Loader
	disp    *dispatcher.Dispatcher
	manager *lifecycle.Manager
	nc      *comms.Conn
}

// New creates a Bridge. nc may be nil, in which case events are not fanned
// out and Subscribe is unavailable; pass a connection to enable the COMMS
// event surface.
func New(cfg Config, nc *comms.Conn) (*Bridge, error) {
	var publisher events.Publisher = &events.NoOpPublisher{}
	if nc != nil {
		publisher = events.NewCommsPublisher(nc, nil)
	}
	return NewWithPublisher(cfg, nc, publisher)
}

// NewWithPublisher creates a Bridge with an explicit event publisher.
func NewWithPublisher(cfg Config, nc *comms.Conn, publisher events.Publisher) (*Bridge, error) {
	b := bus.New()

	l, err := loader.NewLoader(loader.Params{
		HostVersion:     cfg.HostVersion,
		CompatRange:     cfg.CompatRange,
		Bus:             b,
		ChannelCapacity: cfg.ChannelCapacity,
		InitTimeout:     cfg.InitTimeout,
	})
	if err != nil {
		return nil, err
	}

	disp := dispatcher.NewDispatcher(dispatcher.Params{
		Publisher:      publisher,
		DefaultTimeout: cfg.DefaultTimeout,
		SendTimeout:    cfg.SendTimeout,
		ReapInterval:   cfg.ReapInterval,
	})

	manager := lifecycle.NewManager(lifecycle.Params{
		Loader:           l,
		Dispatcher:       disp,
		Bus:              b,
		Publisher:        publisher,
		DrainGrace:       cfg.DrainGrace,
		TeardownTimeout:  cfg.TeardownTimeout,
		LivenessInterval: cfg.LivenessInterval,
	})

	return &Bridge{bus: b, loader: l, disp: disp, manager: manager, nc: nc}, nil
}

// Invoke routes a method call to the owning extension and returns its result.
// A zero timeout uses the configured default; an unanswered request always
// ends in an explicit TIMEOUT or EXTENSION_UNRESPONSIVE error.
func (b *Bridge) Invoke(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return b.disp.Dispatch(ctx, method, params, timeout)
}

// Load loads the native extension module at path and brings it to Ready.
func (b *Bridge) Load(ctx context.Context, path string, opts loader.Options) (*extension.Handle, error) {
	return b.manager.Load(ctx, path, opts)
}

// LoadInProcess loads an in-process extension implementation.
func (b *Bridge) LoadInProcess(ctx context.Context, ext extension.Extension, opts loader.Options) (*extension.Handle, error) {
	return b.manager.LoadInProcess(ctx, ext, opts)
}

// Unload drains and releases a loaded extension.
func (b *Bridge) Unload(ctx context.Context, name string) error {
	return b.manager.Unload(ctx, name)
}

// Subscribe streams extension events for a topic. Requires a COMMS connection.
func (b *Bridge) Subscribe(topic string, buffer int) (*events.Subscription, error) {
	if b.nc == nil {
		return nil, fmt.Errorf("%s - no COMMS connection, event subscription unavailable", logPrefix)
	}
	return events.Subscribe(b.nc, topic, buffer)
}

// Snapshot returns the status of every tracked extension.
func (b *Bridge) Snapshot() []lifecycle.Status {
	return b.manager.Snapshot()
}

// Close drains every extension and stops the dispatcher.
func (b *Bridge) Close(ctx context.Context) {
	b.manager.Shutdown(ctx)
	b.disp.Close()
}
