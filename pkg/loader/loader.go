// Package loader resolves extension modules, verifies interface-version
// compatibility, and initializes them behind a guarded call boundary.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/extension-bridge/pkg/bus"
	"github.com/morezero/extension-bridge/pkg/compat"
	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/extension"
)

const logPrefix = "loader:loader"

// EntrySymbol is the exported symbol a native extension module must provide:
// a function with signature func() extension.Extension.
const EntrySymbol = "NewExtension"

// Options tune one load attempt. Zero values fall back to the loader defaults.
type Options struct {
	// ChannelCapacity overrides the per-direction bus channel capacity.
	ChannelCapacity int
	// InitTimeout bounds the extension's Init call.
	InitTimeout time.Duration
}

// Loader builds extension handles from native modules or in-process
// implementations. It owns the compatibility rule and registers every new
// extension's endpoints with the bus before handing the handle out.
type Loader struct {
	hostVersion        string
	rule               *compat.Rule
	bus                *bus.Bus
	defaultCapacity    int
	defaultInitTimeout time.Duration
}

// Params holds the dependencies for NewLoader.
type Params struct {
	HostVersion     string
	CompatRange     string
	Bus             *bus.Bus
	ChannelCapacity int
	InitTimeout     time.Duration
}

// NewLoader creates a Loader. The host interface version must parse as
// semver; CompatRange may be empty.
func NewLoader(p Params) (*Loader, error) {
	rule, err := compat.NewRule(p.HostVersion, p.CompatRange)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	capacity := p.ChannelCapacity
	if capacity <= 0 {
		capacity = bus.DefaultCapacity
	}
	initTimeout := p.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 10 * time.Second
	}
	return &Loader{
		hostVersion:        p.HostVersion,
		rule:               rule,
		bus:                p.Bus,
		defaultCapacity:    capacity,
		defaultInitTimeout: initTimeout,
	}, nil
}

// Load resolves the native module at path, binds its entry point, and wraps
// the resulting extension. Symbol problems surface as
// SYMBOL_RESOLUTION_FAILED; everything after binding follows Wrap.
func (l *Loader) Load(ctx context.Context, path string, opts Options) (*extension.Handle, error) {
	ext, err := openModule(path)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - resolved module %s", logPrefix, path))
	return l.Wrap(ctx, ext, opts)
}

// Wrap builds a handle around an extension implementation: reads its
// manifest, checks version compatibility, registers bus endpoints, and runs
// Init behind a guarded boundary. On any failure the endpoints are
// deregistered and nothing of the attempt survives.
func (l *Loader) Wrap(ctx context.Context, ext extension.Extension, opts Options) (*extension.Handle, error) {
	man, err := guardedManifest(ext)
	if err != nil {
		return nil, err
	}
	if man.Name == "" {
		return nil, envelope.NewLoadError(envelope.ErrCodeInitFailed, "extension manifest has no name")
	}
	if len(man.Methods) == 0 {
		return nil, envelope.NewLoadError(envelope.ErrCodeInitFailed,
			"extension %q declares no methods", man.Name)
	}

	version, err := l.rule.Check(man.InterfaceVersion)
	if err != nil {
		return nil, err
	}

	capacity := opts.ChannelCapacity
	if capacity <= 0 {
		capacity = l.defaultCapacity
	}
	endpoints := bus.NewEndpoints(capacity)
	if err := l.bus.Register(man.Name, endpoints); err != nil {
		return nil, envelope.NewLoadError(envelope.ErrCodeDuplicateExtension,
			"extension %q already loaded", man.Name)
	}

	h := extension.NewHandle(man, version, ext, endpoints)
	h.TransitionTo(extension.StateLoading, extension.StateInitializing)

	initTimeout := opts.InitTimeout
	if initTimeout <= 0 {
		initTimeout = l.defaultInitTimeout
	}
	hostCtx := extension.NewHostContext(man.Name, l.hostVersion, endpoints)
	if err := guardedInit(ctx, ext, hostCtx, initTimeout); err != nil {
		l.bus.Deregister(man.Name)
		endpoints.Close()
		h.ForceState(extension.StateFailed)
		return nil, err
	}

	slog.Info(fmt.Sprintf("%s - initialized extension %s v%s methods=%v",
		logPrefix, man.Name, version, man.Methods))
	return h, nil
}

// guardedManifest reads the manifest behind a recover boundary so a faulty
// module cannot unwind into the host.
func guardedManifest(ext extension.Extension) (man extension.Manifest, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = envelope.NewLoadError(envelope.ErrCodeInitFailed, "manifest panicked: %v", r)
		}
	}()
	man = ext.Manifest()
	return man, nil
}

// guardedInit invokes the initializer in its own goroutine with a recover
// boundary and a deadline; a panicking or hanging initializer fails the load
// attempt without crashing the host.
func guardedInit(ctx context.Context, ext extension.Extension, host extension.HostContext, timeout time.Duration) error {
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- envelope.NewLoadError(envelope.ErrCodeInitFailed, "initializer panicked: %v", r)
			}
		}()
		if err := ext.Init(initCtx, host); err != nil {
			errCh <- envelope.NewLoadError(envelope.ErrCodeInitFailed, "initializer failed: %v", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-initCtx.Done():
		return envelope.NewLoadError(envelope.ErrCodeInitFailed,
			"initializer timed out after %s", timeout)
	}
}

// GuardedTeardown invokes Teardown behind the same boundary. Exposed for the
// lifecycle manager's draining path.
func GuardedTeardown(ctx context.Context, ext extension.Extension, timeout time.Duration) error {
	tdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("%s - teardown panicked: %v", logPrefix, r)
			}
		}()
		errCh <- ext.Teardown(tdCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-tdCtx.Done():
		return fmt.Errorf("%s - teardown timed out after %s", logPrefix, timeout)
	}
}
