// Package events defines the notifications the session controller and
// device registry publish to observers such as the control API's event stream.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	SessionConnected     Type = "session.connected"
	SessionConnectFailed Type = "session.connect_failed"
	SessionDisconnected  Type = "session.disconnected"
	MessageAppended      Type = "message.appended"
	SendingChanged       Type = "sending.changed"
	DevicesRefreshed     Type = "devices.refreshed"
	CredentialChanged    Type = "credential.changed"
)

// Event is a structured notification about a device or session.
type Event struct {
	Type          Type                   `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	DeviceID      string                 `json:"device_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// New creates a new event for a device. deviceID may be empty for global events.
func New(eventType Type, deviceID string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		DeviceID:  deviceID,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// WithCorrelationID tags the event with the request that caused it.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers. Emit must not block.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory for testing.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the collected events.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the collected events of type t.
func (c *CollectorEmitter) OfType(t Type) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans each event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event *Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
