// Package tests contains end-to-end tests for the extension-bridge. These
// tests start an embedded COMMS server and exercise the full invoke and event
// flow through the bridge, simulating real client interactions.
package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/extension-bridge/pkg/bridge"
	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/extension"
	"github.com/morezero/extension-bridge/pkg/loader"
)

const (
	testInvokeSubject = "ext.invoke.v1"
	testPort          = 14250
)

// invokeRequest mirrors the JSON envelope external callers publish on the
// invoke subject.
type invokeRequest struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type invokeResponse struct {
	ID     string                `json:"id"`
	Ok     bool                  `json:"ok"`
	Result json.RawMessage       `json:"result,omitempty"`
	Error  *envelope.ErrorDetail `json:"error,omitempty"`
}

// echoExt answers <name>.echo with its params and can emit events on demand.
type echoExt struct {
	name string
	host extension.HostContext
}

func (e *echoExt) Manifest() extension.Manifest {
	return extension.Manifest{
		Name:             e.name,
		InterfaceVersion: "1.2.0",
		Methods:          []string{e.name + ".echo"},
	}
}

func (e *echoExt) Init(_ context.Context, host extension.HostContext) error {
	e.host = host
	go extension.Serve(host, func(_ context.Context, _ string, params json.RawMessage) (json.RawMessage, *envelope.ErrorDetail) {
		return params, nil
	})
	return nil
}

func (e *echoExt) Teardown(_ context.Context) error { return nil }

// testEnv holds the test environment for E2E tests.
type testEnv struct {
	nc  *comms.Conn
	ns  *commsserver.Server
	brg *bridge.Bridge
}

// setupE2E starts an embedded COMMS server, builds a bridge over it and wires
// the invoke subject the way the server does.
func setupE2E(t *testing.T) *testEnv {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   testPort,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("e2e_test - failed to create COMMS server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("e2e_test - COMMS server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("e2e_test - failed to connect: %v", err)
	}

	brg, err := bridge.New(bridge.Config{
		HostVersion:  "1.4.0",
		ReapInterval: 10 * time.Millisecond,
	}, nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		t.Fatalf("e2e_test - failed to create bridge: %v", err)
	}

	// Simulates the server's invoke subscription.
	_, err = nc.Subscribe(testInvokeSubject, func(msg *comms.Msg) {
		var req invokeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp := &invokeResponse{
				Ok: false,
				Error: &envelope.ErrorDetail{
					Code:    envelope.ErrCodeInvalidRequest,
					Message: "Failed to decode request",
				},
			}
			data, _ := json.Marshal(resp)
			msg.Respond(data)
			return
		}

		timeout := 5 * time.Second
		if req.TimeoutMs > 0 {
			timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}

		result, err := brg.Invoke(context.Background(), req.Method, req.Params, timeout)
		if err != nil {
			data, _ := json.Marshal(&invokeResponse{ID: req.ID, Ok: false, Error: envelope.Detail(err)})
			msg.Respond(data)
			return
		}
		data, _ := json.Marshal(&invokeResponse{ID: req.ID, Ok: true, Result: result})
		msg.Respond(data)
	})
	if err != nil {
		nc.Close()
		ns.Shutdown()
		t.Fatalf("e2e_test - failed to subscribe: %v", err)
	}

	t.Cleanup(func() {
		brg.Close(context.Background())
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return &testEnv{nc: nc, ns: ns, brg: brg}
}

func invoke(t *testing.T, env *testEnv, req *invokeRequest) *invokeResponse {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("e2e_test - failed to marshal request: %v", err)
	}
	msg, err := env.nc.Request(testInvokeSubject, data, 10*time.Second)
	if err != nil {
		t.Fatalf("e2e_test - request failed: %v", err)
	}
	var resp invokeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("e2e_test - failed to unmarshal response: %v", err)
	}
	return &resp
}

func TestE2E_InvokeRoundTrip(t *testing.T) {
	env := setupE2E(t)

	if _, err := env.brg.LoadInProcess(context.Background(), &echoExt{name: "diag"}, loader.Options{}); err != nil {
		t.Fatalf("e2e_test - load failed: %v", err)
	}

	resp := invoke(t, env, &invokeRequest{
		ID:     "req-1",
		Method: "diag.echo",
		Params: json.RawMessage(`{"msg":"over the wire"}`),
	})

	if !resp.Ok {
		t.Fatalf("e2e_test - expected ok response, got error %+v", resp.Error)
	}
	if resp.ID != "req-1" {
		t.Errorf("e2e_test - ID = %q, want req-1", resp.ID)
	}
	if string(resp.Result) != `{"msg":"over the wire"}` {
		t.Errorf("e2e_test - unexpected result %s", resp.Result)
	}
}

func TestE2E_UnknownMethod(t *testing.T) {
	env := setupE2E(t)

	resp := invoke(t, env, &invokeRequest{ID: "req-2", Method: "no.such.method"})

	if resp.Ok {
		t.Fatal("e2e_test - expected error response")
	}
	if resp.Error == nil || resp.Error.Code != envelope.ErrCodeMethodNotFound {
		t.Errorf("e2e_test - expected METHOD_NOT_FOUND, got %+v", resp.Error)
	}
}

func TestE2E_InvalidRequest(t *testing.T) {
	env := setupE2E(t)

	msg, err := env.nc.Request(testInvokeSubject, []byte(`{not json`), 10*time.Second)
	if err != nil {
		t.Fatalf("e2e_test - request failed: %v", err)
	}
	var resp invokeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("e2e_test - failed to unmarshal response: %v", err)
	}

	if resp.Ok {
		t.Fatal("e2e_test - expected error response")
	}
	if resp.Error == nil || resp.Error.Code != envelope.ErrCodeInvalidRequest {
		t.Errorf("e2e_test - expected INVALID_REQUEST, got %+v", resp.Error)
	}
}

func TestE2E_TimeoutPropagates(t *testing.T) {
	env := setupE2E(t)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	stuck := &stuckExt{name: "stuck", block: block}
	if _, err := env.brg.LoadInProcess(context.Background(), stuck, loader.Options{}); err != nil {
		t.Fatalf("e2e_test - load failed: %v", err)
	}

	resp := invoke(t, env, &invokeRequest{ID: "req-3", Method: "stuck.wait", TimeoutMs: 100})

	if resp.Ok {
		t.Fatal("e2e_test - expected timeout error")
	}
	if resp.Error == nil || resp.Error.Code != envelope.ErrCodeTimeout {
		t.Errorf("e2e_test - expected TIMEOUT, got %+v", resp.Error)
	}
	if resp.Error != nil && !resp.Error.Retryable {
		t.Errorf("e2e_test - expected TIMEOUT to be retryable")
	}
}

type stuckExt struct {
	name  string
	block chan struct{}
}

func (e *stuckExt) Manifest() extension.Manifest {
	return extension.Manifest{
		Name:             e.name,
		InterfaceVersion: "1.0.0",
		Methods:          []string{e.name + ".wait"},
	}
}

func (e *stuckExt) Init(_ context.Context, host extension.HostContext) error {
	go extension.Serve(host, func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, *envelope.ErrorDetail) {
		<-e.block
		return nil, nil
	})
	return nil
}

func (e *stuckExt) Teardown(_ context.Context) error { return nil }

func TestE2E_EventFanout(t *testing.T) {
	env := setupE2E(t)

	ext := &echoExt{name: "sensor"}
	if _, err := env.brg.LoadInProcess(context.Background(), ext, loader.Options{}); err != nil {
		t.Fatalf("e2e_test - load failed: %v", err)
	}

	sub, err := env.brg.Subscribe("temperature", 8)
	if err != nil {
		t.Fatalf("e2e_test - subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := ext.host.Emit(envelope.NewEvent("temperature", json.RawMessage(`{"c":21}`))); err != nil {
		t.Fatalf("e2e_test - emit failed: %v", err)
	}

	select {
	case ev := <-sub.C:
		if ev.Extension != "sensor" || ev.Topic != "temperature" {
			t.Errorf("e2e_test - unexpected event %+v", ev)
		}
		if string(ev.Payload) != `{"c":21}` {
			t.Errorf("e2e_test - unexpected payload %s", ev.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("e2e_test - event never reached the subscriber")
	}
}

func TestE2E_LifecycleAnnouncements(t *testing.T) {
	env := setupE2E(t)

	states := make(chan string, 8)
	sub, err := env.nc.Subscribe("ext.lifecycle.diag", func(msg *comms.Msg) {
		var ev struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		states <- ev.State
	})
	if err != nil {
		t.Fatalf("e2e_test - subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := env.brg.LoadInProcess(context.Background(), &echoExt{name: "diag"}, loader.Options{}); err != nil {
		t.Fatalf("e2e_test - load failed: %v", err)
	}
	if err := env.brg.Unload(context.Background(), "diag"); err != nil {
		t.Fatalf("e2e_test - unload failed: %v", err)
	}

	want := []string{"ready", "draining", "unloaded"}
	for _, expected := range want {
		select {
		case state := <-states:
			if state != expected {
				t.Errorf("e2e_test - announcement = %q, want %q", state, expected)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("e2e_test - timeout waiting for %q announcement", expected)
		}
	}
}
