// Package events defines event types and publisher interfaces for extension
// events and lifecycle announcements.
package events

import "encoding/json"

// ExtensionEvent is a fire-and-forget event emitted by an extension and
// fanned out to host subscribers.
type ExtensionEvent struct {
	Extension string          `json:"extension"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// LifecycleEvent announces an extension's lifecycle state transition.
type LifecycleEvent struct {
	Extension string `json:"extension"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}
