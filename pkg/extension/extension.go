// Package extension defines the contract a loaded module must implement and
// the handle the host keeps for each loaded extension.
package extension

import (
	"context"
	"encoding/json"

	"github.com/morezero/extension-bridge/pkg/bus"
	"github.com/morezero/extension-bridge/pkg/envelope"
)

// Manifest is an extension's self-description, read before initialization.
type Manifest struct {
	// Name uniquely identifies the extension within the host.
	Name string `json:"name"`
	// InterfaceVersion is the bridge interface version the extension was
	// built against, checked against the host's compatibility rule.
	InterfaceVersion string `json:"interfaceVersion"`
	// Methods are the JSON-RPC method names the extension serves.
	Methods []string `json:"methods"`
	// Capabilities are coarse capability tags (e.g. "media", "diagnostics").
	Capabilities []string `json:"capabilities,omitempty"`
}

// HostContext is handed to an extension's Init. It carries the extension's
// bus endpoints and identity; the extension reads requests from Inbound and
// answers through Emit.
type HostContext struct {
	// ExtensionID is the identity assigned by the host.
	ExtensionID string
	// HostVersion is the host's bridge interface version.
	HostVersion string
	// Inbound delivers request envelopes from the dispatcher in FIFO order.
	Inbound <-chan envelope.Envelope
	// Done is closed when the host shuts the extension's endpoints down.
	Done <-chan struct{}

	endpoints *bus.Endpoints
}

// NewHostContext builds the context handed to an extension over its endpoints.
func NewHostContext(id, hostVersion string, e *bus.Endpoints) HostContext {
	return HostContext{
		ExtensionID: id,
		HostVersion: hostVersion,
		Inbound:     e.Inbound(),
		Done:        e.Done(),
		endpoints:   e,
	}
}

// Emit sends an envelope from the extension to the host.
func (h HostContext) Emit(env envelope.Envelope) error {
	return h.endpoints.Emit(env)
}

// Extension is the capability set every loaded module must expose. The
// dispatcher never sees this interface; it is implemented both by the native
// plugin adapter and by in-process extensions used in tests.
type Extension interface {
	// Manifest describes the extension. It must be side-effect free; the
	// loader reads it before deciding whether to initialize at all.
	Manifest() Manifest

	// Init starts the extension. The extension must begin consuming
	// host.Inbound before returning (typically via Serve in a goroutine).
	Init(ctx context.Context, host HostContext) error

	// Teardown is invoked while the extension is draining. After it returns
	// the endpoints are closed and the module is released.
	Teardown(ctx context.Context) error
}

// Handler processes one request and returns a result or a structured error.
type Handler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *envelope.ErrorDetail)

// Serve runs an extension's receive loop: requests from host.Inbound are
// passed to the handler and exactly one response per request is emitted.
// Non-request envelopes are ignored. Serve returns when Done is closed.
//
// Run it in a goroutine from Init:
//
//	func (e *echo) Init(ctx context.Context, host extension.HostContext) error {
//		go extension.Serve(host, e.handle)
//		return nil
//	}
func Serve(host HostContext, h Handler) {
	for {
		select {
		case env := <-host.Inbound:
			if env.Kind != envelope.KindRequest {
				continue
			}
			result, detail := h(context.Background(), env.Method, env.Params)
			var resp envelope.Envelope
			if detail != nil {
				resp = envelope.NewErrorResponse(env.ID, detail)
			} else {
				resp = envelope.NewResponse(env.ID, result)
			}
			if err := host.Emit(resp); err != nil {
				return
			}
		case <-host.Done:
			return
		}
	}
}
