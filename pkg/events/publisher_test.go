package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	if err := pub.PublishEvent(context.Background(), &ExtensionEvent{
		Extension: "sensor",
		Topic:     "temperature",
	}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := pub.PublishLifecycle(context.Background(), &LifecycleEvent{
		Extension: "sensor",
		State:     "ready",
	}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var capturedEvent *ExtensionEvent
	var capturedLifecycle *LifecycleEvent

	pub := NewCallbackPublisher(
		func(_ context.Context, event *ExtensionEvent) error {
			capturedEvent = event
			return nil
		},
		func(_ context.Context, event *LifecycleEvent) error {
			capturedLifecycle = event
			return nil
		},
	)

	event := &ExtensionEvent{
		Extension: "sensor",
		Topic:     "temperature",
		Payload:   json.RawMessage(`{"c":21}`),
		Timestamp: "2026-01-01T00:00:00Z",
	}
	if err := pub.PublishEvent(context.Background(), event); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if capturedEvent == nil {
		t.Fatal("expected event callback to be called")
	}
	if capturedEvent.Extension != "sensor" || capturedEvent.Topic != "temperature" {
		t.Errorf("expected sensor/temperature, got %s/%s", capturedEvent.Extension, capturedEvent.Topic)
	}

	if err := pub.PublishLifecycle(context.Background(), &LifecycleEvent{
		Extension: "sensor",
		State:     "failed",
		Reason:    "bus wedged",
	}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if capturedLifecycle == nil {
		t.Fatal("expected lifecycle callback to be called")
	}
	if capturedLifecycle.State != "failed" {
		t.Errorf("expected state failed, got %s", capturedLifecycle.State)
	}
}

func TestCallbackPublisher_NilCallbacks(t *testing.T) {
	pub := NewCallbackPublisher(nil, nil)
	if err := pub.PublishEvent(context.Background(), &ExtensionEvent{Extension: "x"}); err != nil {
		t.Errorf("expected nil event callback to be a no-op, got %v", err)
	}
	if err := pub.PublishLifecycle(context.Background(), &LifecycleEvent{Extension: "x"}); err != nil {
		t.Errorf("expected nil lifecycle callback to be a no-op, got %v", err)
	}
}
