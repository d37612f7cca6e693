package events

import (
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/extension-bridge/pkg/commsutil"
)

const subscriberLogPrefix = "events:subscriber"

// Subscription is a host-side event stream for one topic. The channel stays
// open until Unsubscribe or host shutdown; undecodable messages are dropped
// with a warning.
type Subscription struct {
	C   <-chan *ExtensionEvent
	sub *comms.Subscription
	ch  chan *ExtensionEvent
}

// Unsubscribe stops the stream and closes the channel.
func (s *Subscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}

// Subscribe streams events for one topic across all extensions. An empty
// topic subscribes to the global event subject.
func Subscribe(nc *comms.Conn, topic string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 16
	}
	subject := commsutil.SubjectEventGlobal
	if topic != "" {
		subject = commsutil.BuildEventTopicFilter(topic)
	}

	ch := make(chan *ExtensionEvent, buffer)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event ExtensionEvent
		if err := commsutil.DecodePayload(msg.Data, &event); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable event on %s: %v", subscriberLogPrefix, msg.Subject, err))
			return
		}
		select {
		case ch <- &event:
		default:
			slog.Warn(fmt.Sprintf("%s - subscriber for %s is slow, dropping event", subscriberLogPrefix, subject))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", subscriberLogPrefix, subject, err)
	}

	return &Subscription{C: ch, sub: sub, ch: ch}, nil
}
