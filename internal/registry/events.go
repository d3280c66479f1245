package registry

import "github.com/rs/zerolog"

// Event names published by the registry and pull coordinator.
const (
	EventAcquireStart = "acquire_start"
	EventLoadReady    = "load_ready"
	EventLoadFailed   = "load_failed"
	EventPullStart    = "pull_start"
	EventPullDone     = "pull_done"
	EventPullFailed   = "pull_failed"
	EventEvict        = "evict"
)

// Event represents a registry lifecycle event.
// Minimal and stable: name + model name and optional fields via key/values.
type Event struct {
	Name   string
	Model  string
	Fields map[string]any
}

// EventPublisher receives events from the registry. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes events to a zerolog logger at debug level, or warn
// level for failures.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Logger.Debug()
	if e.Name == EventLoadFailed || e.Name == EventPullFailed {
		ev = p.Logger.Warn()
	}
	ev.Str("event", e.Name).Str("model", e.Model).Fields(e.Fields).Msg("registry event")
}
