package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/extension"
	"github.com/morezero/extension-bridge/pkg/loader"
)

const testPrefix = "bridge:bridge_test"

type echoExt struct {
	name string
}

func (e *echoExt) Manifest() extension.Manifest {
	return extension.Manifest{
		Name:             e.name,
		InterfaceVersion: "1.2.0",
		Methods:          []string{e.name + ".echo"},
		Capabilities:     []string{"diagnostics"},
	}
}

func (e *echoExt) Init(_ context.Context, host extension.HostContext) error {
	go extension.Serve(host, func(_ context.Context, _ string, params json.RawMessage) (json.RawMessage, *envelope.ErrorDetail) {
		return params, nil
	})
	return nil
}

func (e *echoExt) Teardown(_ context.Context) error { return nil }

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	brg, err := New(Config{
		HostVersion:  "1.4.0",
		ReapInterval: 10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("%s - New failed: %v", testPrefix, err)
	}
	t.Cleanup(func() { brg.Close(context.Background()) })
	return brg
}

func TestInvoke_RoundTrip(t *testing.T) {
	brg := newTestBridge(t)

	if _, err := brg.LoadInProcess(context.Background(), &echoExt{name: "diag"}, loader.Options{}); err != nil {
		t.Fatalf("%s - load failed: %v", testPrefix, err)
	}

	result, err := brg.Invoke(context.Background(), "diag.echo", json.RawMessage(`{"msg":"hi"}`), time.Second)
	if err != nil {
		t.Fatalf("%s - invoke failed: %v", testPrefix, err)
	}
	if string(result) != `{"msg":"hi"}` {
		t.Errorf("%s - unexpected result %s", testPrefix, result)
	}
}

func TestInvoke_UnknownMethod(t *testing.T) {
	brg := newTestBridge(t)

	_, err := brg.Invoke(context.Background(), "no.such.method", nil, time.Second)
	var de *envelope.DispatchError
	if !errors.As(err, &de) || de.Code != envelope.ErrCodeMethodNotFound {
		t.Fatalf("%s - expected METHOD_NOT_FOUND, got %v", testPrefix, err)
	}
}

func TestNew_RejectsBadHostVersion(t *testing.T) {
	if _, err := New(Config{HostVersion: "not-semver"}, nil); err == nil {
		t.Errorf("%s - expected error for invalid host version", testPrefix)
	}
}

func TestLoadInProcess_IncompatibleVersion(t *testing.T) {
	brg, err := New(Config{
		HostVersion: "2.0.0",
		CompatRange: ">=2.0.0",
	}, nil)
	if err != nil {
		t.Fatalf("%s - New failed: %v", testPrefix, err)
	}
	defer brg.Close(context.Background())

	_, err = brg.LoadInProcess(context.Background(), &echoExt{name: "old"}, loader.Options{})
	var le *envelope.LoadError
	if !errors.As(err, &le) || le.Code != envelope.ErrCodeIncompatibleVersion {
		t.Fatalf("%s - expected INCOMPATIBLE_VERSION, got %v", testPrefix, err)
	}
}

func TestUnload_RemovesMethods(t *testing.T) {
	brg := newTestBridge(t)

	if _, err := brg.LoadInProcess(context.Background(), &echoExt{name: "diag"}, loader.Options{}); err != nil {
		t.Fatalf("%s - load failed: %v", testPrefix, err)
	}
	if err := brg.Unload(context.Background(), "diag"); err != nil {
		t.Fatalf("%s - unload failed: %v", testPrefix, err)
	}

	_, err := brg.Invoke(context.Background(), "diag.echo", nil, time.Second)
	var de *envelope.DispatchError
	if !errors.As(err, &de) || de.Code != envelope.ErrCodeMethodNotFound {
		t.Fatalf("%s - expected METHOD_NOT_FOUND after unload, got %v", testPrefix, err)
	}

	// The name is free for a fresh load.
	if _, err := brg.LoadInProcess(context.Background(), &echoExt{name: "diag"}, loader.Options{}); err != nil {
		t.Errorf("%s - reload after unload failed: %v", testPrefix, err)
	}
}

func TestSnapshot(t *testing.T) {
	brg := newTestBridge(t)

	if _, err := brg.LoadInProcess(context.Background(), &echoExt{name: "diag"}, loader.Options{}); err != nil {
		t.Fatalf("%s - load failed: %v", testPrefix, err)
	}

	statuses := brg.Snapshot()
	if len(statuses) != 1 {
		t.Fatalf("%s - expected 1 status, got %d", testPrefix, len(statuses))
	}
	st := statuses[0]
	if st.Name != "diag" || st.State != "ready" || st.Version != "1.2.0" {
		t.Errorf("%s - unexpected status %+v", testPrefix, st)
	}
	if len(st.Methods) != 1 || st.Methods[0] != "diag.echo" {
		t.Errorf("%s - unexpected methods %v", testPrefix, st.Methods)
	}
}

func TestSubscribe_RequiresComms(t *testing.T) {
	brg := newTestBridge(t)
	if _, err := brg.Subscribe("temperature", 8); err == nil {
		t.Errorf("%s - expected Subscribe to fail without a COMMS connection", testPrefix)
	}
}
