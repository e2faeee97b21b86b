package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeEngineStarted uint32 = iota + 1
	TypeEngineStopped
	TypeSpiderOpened
	TypeSpiderError
	TypeRequestScheduled
	TypeResponseReceived
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// EngineStartedEvent is published once the engine has opened the spider and
// begun processing its start requests.
type EngineStartedEvent struct {
	TaskID    string `json:"task_id"`
	Spider    string `json:"spider"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for EngineStartedEvent.
func (e EngineStartedEvent) Type() uint32 { return TypeEngineStarted }

// EngineStoppedEvent is published when a task's engine acknowledged a stop.
// Subscribers use it to release per-task resources (installed slot, log sink).
type EngineStoppedEvent struct {
	TaskID    string `json:"task_id"`
	Spider    string `json:"spider"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for EngineStoppedEvent.
func (e EngineStoppedEvent) Type() uint32 { return TypeEngineStopped }

// SpiderOpenedEvent is published when the engine opened a spider.
type SpiderOpenedEvent struct {
	TaskID    string `json:"task_id"`
	Spider    string `json:"spider"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for SpiderOpenedEvent.
func (e SpiderOpenedEvent) Type() uint32 { return TypeSpiderOpened }

// SpiderErrorEvent reports a failure while starting a task.
type SpiderErrorEvent struct {
	TaskID    string `json:"task_id"`
	Spider    string `json:"spider"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for SpiderErrorEvent.
func (e SpiderErrorEvent) Type() uint32 { return TypeSpiderError }

// RequestScheduledEvent is published for every request the engine queues.
type RequestScheduledEvent struct {
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
	Depth  int    `json:"depth"`
}

// Type returns the event type identifier for RequestScheduledEvent.
func (e RequestScheduledEvent) Type() uint32 { return TypeRequestScheduled }

// ResponseReceivedEvent is published for every downloaded response.
type ResponseReceivedEvent struct {
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// Type returns the event type identifier for ResponseReceivedEvent.
func (e ResponseReceivedEvent) Type() uint32 { return TypeResponseReceived }

// Now returns the timestamp format used by events.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
