package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects for the extension bridge.
const (
	// SubjectInvoke carries external invoke requests into the dispatcher.
	SubjectInvoke = "ext.invoke.v1"
	// SubjectEventGlobal receives a copy of every extension event.
	SubjectEventGlobal = "ext.event"
	// SubjectLifecycleGlobal receives a copy of every lifecycle announcement.
	SubjectLifecycleGlobal = "ext.lifecycle"
)

// sanitize makes a name usable as a COMMS subject token.
func sanitize(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// BuildEventSubject builds the granular subject for one extension's events
// on one topic.
func BuildEventSubject(extension, topic string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectEventGlobal, sanitize(extension), sanitize(topic))
}

// BuildEventTopicFilter builds the wildcard subject matching a topic across
// all extensions.
func BuildEventTopicFilter(topic string) string {
	return fmt.Sprintf("%s.*.%s", SubjectEventGlobal, sanitize(topic))
}

// BuildLifecycleSubject builds the granular subject for one extension's
// lifecycle announcements.
func BuildLifecycleSubject(extension string) string {
	return fmt.Sprintf("%s.%s", SubjectLifecycleGlobal, sanitize(extension))
}
