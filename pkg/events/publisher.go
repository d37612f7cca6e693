package events

import "context"

// Publisher is the interface for publishing extension and lifecycle events.
type Publisher interface {
	PublishEvent(ctx context.Context, event *ExtensionEvent) error
	PublishLifecycle(ctx context.Context, event *LifecycleEvent) error
}

// NoOpPublisher is a Publisher that does nothing (for in-process usage
// without event fan-out).
type NoOpPublisher struct{}

// PublishEvent is a no-op.
func (p *NoOpPublisher) PublishEvent(_ context.Context, _ *ExtensionEvent) error {
	return nil
}

// PublishLifecycle is a no-op.
func (p *NoOpPublisher) PublishLifecycle(_ context.Context, _ *LifecycleEvent) error {
	return nil
}

// CallbackPublisher is a Publisher that calls callback functions (for testing).
type CallbackPublisher struct {
	onEvent     func(ctx context.Context, event *ExtensionEvent) error
	onLifecycle func(ctx context.Context, event *LifecycleEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher. Nil callbacks are
// treated as no-ops.
func NewCallbackPublisher(
	onEvent func(ctx context.Context, event *ExtensionEvent) error,
	onLifecycle func(ctx context.Context, event *LifecycleEvent) error,
) *CallbackPublisher {
	return &CallbackPublisher{onEvent: onEvent, onLifecycle: onLifecycle}
}

// PublishEvent calls the event callback.
func (p *CallbackPublisher) PublishEvent(ctx context.Context, event *ExtensionEvent) error {
	if p.onEvent == nil {
		return nil
	}
	return p.onEvent(ctx, event)
}

// PublishLifecycle calls the lifecycle callback.
func (p *CallbackPublisher) PublishLifecycle(ctx context.Context, event *LifecycleEvent) error {
	if p.onLifecycle == nil {
		return nil
	}
	return p.onLifecycle(ctx, event)
}
