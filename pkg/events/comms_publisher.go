package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/extension-bridge/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalEventSubject overrides the global event subject.
	GlobalEventSubject string
	// GlobalLifecycleSubject overrides the global lifecycle subject.
	GlobalLifecycleSubject string
}

// CommsPublisher publishes extension and lifecycle events to COMMS subjects.
type CommsPublisher struct {
	nc                     *comms.Conn
	globalEventSubject     string
	globalLifecycleSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	eventSubject := commsutil.SubjectEventGlobal
	lifecycleSubject := commsutil.SubjectLifecycleGlobal
	if opts != nil && opts.GlobalEventSubject != "" {
		eventSubject = opts.GlobalEventSubject
	}
	if opts != nil && opts.GlobalLifecycleSubject != "" {
		lifecycleSubject = opts.GlobalLifecycleSubject
	}
	return &CommsPublisher{
		nc:                     nc,
		globalEventSubject:     eventSubject,
		globalLifecycleSubject: lifecycleSubject,
	}
}

// PublishEvent publishes an ExtensionEvent to both the granular and global
// event subjects.
func (p *CommsPublisher) PublishEvent(_ context.Context, event *ExtensionEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildEventSubject(event.Extension, event.Topic)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	if err := p.nc.Publish(p.globalEventSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalEventSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published event %s.%s", commsPublisherLogPrefix, event.Extension, event.Topic))
	return nil
}

// PublishLifecycle publishes a LifecycleEvent to both the granular and
// global lifecycle subjects.
func (p *CommsPublisher) PublishLifecycle(_ context.Context, event *LifecycleEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode lifecycle event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildLifecycleSubject(event.Extension)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	if err := p.nc.Publish(p.globalLifecycleSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalLifecycleSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published lifecycle %s -> %s", commsPublisherLogPrefix, event.Extension, event.State))
	return nil
}
