// Package envelope defines the typed message unit carried on the extension bus.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind tags the payload variant carried by an Envelope.
type Kind string

// Envelope kinds.
const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindEvent     Kind = "event"
	KindLifecycle Kind = "lifecycle"
)

// Lifecycle signal values an extension may emit on its outbound channel.
const (
	SignalFault    = "fault"
	SignalDegraded = "degraded"
	SignalHealthy  = "healthy"
)

// Envelope is the tagged message unit exchanged between the host and an
// extension. Exactly one variant is populated, selected by Kind:
//
//   - request:   ID, Method, Params
//   - response:  ID, Result or Error
//   - event:     Topic, Payload (no correlation id, fire-and-forget)
//   - lifecycle: Signal
type Envelope struct {
	Kind    Kind             `json:"kind"`
	ID      string           `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *ErrorDetail     `json:"error,omitempty"`
	Topic   string           `json:"topic,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Signal  *LifecycleSignal `json:"signal,omitempty"`
}

// ErrorDetail holds structured error information carried in a response.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// LifecycleSignal is an extension-originated health or fault notification.
type LifecycleSignal struct {
	Signal string `json:"signal"`
	Reason string `json:"reason,omitempty"`
}

// NewCorrelationID returns a fresh 128-bit random correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewRequest builds a request envelope for the given correlation id.
func NewRequest(id, method string, params json.RawMessage) Envelope {
	return Envelope{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// NewResponse builds a success response envelope for the given correlation id.
func NewResponse(id string, result json.RawMessage) Envelope {
	return Envelope{Kind: KindResponse, ID: id, Result: result}
}

// NewErrorResponse builds an error response envelope for the given correlation id.
func NewErrorResponse(id string, detail *ErrorDetail) Envelope {
	return Envelope{Kind: KindResponse, ID: id, Error: detail}
}

// NewEvent builds a fire-and-forget event envelope.
func NewEvent(topic string, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindEvent, Topic: topic, Payload: payload}
}

// NewLifecycleSignal builds a lifecycle signal envelope.
func NewLifecycleSignal(signal, reason string) Envelope {
	return Envelope{Kind: KindLifecycle, Signal: &LifecycleSignal{Signal: signal, Reason: reason}}
}

// Validate checks that the envelope carries the fields its kind requires.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		if e.ID == "" {
			return fmt.Errorf("envelope: request missing correlation id")
		}
		if e.Method == "" {
			return fmt.Errorf("envelope: request missing method")
		}
	case KindResponse:
		if e.ID == "" {
			return fmt.Errorf("envelope: response missing correlation id")
		}
		if e.Result != nil && e.Error != nil {
			return fmt.Errorf("envelope: response carries both result and error")
		}
	case KindEvent:
		if e.Topic == "" {
			return fmt.Errorf("envelope: event missing topic")
		}
	case KindLifecycle:
		if e.Signal == nil || e.Signal.Signal == "" {
			return fmt.Errorf("envelope: lifecycle envelope missing signal")
		}
	default:
		return fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	return nil
}
