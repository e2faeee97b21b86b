package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// Handlers run on dispatcher goroutines, not on the publisher's goroutine.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(EngineStoppedEvent{...})
// Publishing on a nil bus is a no-op.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case EngineStartedEvent:
		event.Publish(b.dispatcher, e)
	case EngineStoppedEvent:
		event.Publish(b.dispatcher, e)
	case SpiderOpenedEvent:
		event.Publish(b.dispatcher, e)
	case SpiderErrorEvent:
		event.Publish(b.dispatcher, e)
	case RequestScheduledEvent:
		event.Publish(b.dispatcher, e)
	case ResponseReceivedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e EngineStoppedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(EngineStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EngineStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SpiderOpenedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SpiderErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RequestScheduledEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ResponseReceivedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}
