package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/listening-rooms/pkg/events"
)

// Delivery is one event handed to a RecordingTransport.
type Delivery struct {
	Scope   events.Scope
	Target  string
	Exclude string
	Event   events.Event
}

// Decode unmarshals the event payload into v.
func (d Delivery) Decode(v interface{}) error {
	return json.Unmarshal(d.Event.Payload, v)
}

// RecordingTransport records every delivery in order. When Err is set, every call
// records the delivery and then fails with Err.
type RecordingTransport struct {
	mu         sync.Mutex
	deliveries []Delivery
	Err        error
}

func (r *RecordingTransport) SendToConnection(_ context.Context, connID string, event events.Event) error {
	return r.record(Delivery{Scope: events.ScopeConnection, Target: connID, Event: event})
}

func (r *RecordingTransport) BroadcastToRoom(_ context.Context, roomID string, event events.Event, excludeConnID string) error {
	return r.record(Delivery{Scope: events.ScopeRoom, Target: roomID, Exclude: excludeConnID, Event: event})
}

func (r *RecordingTransport) BroadcastGlobal(_ context.Context, event events.Event) error {
	return r.record(Delivery{Scope: events.ScopeGlobal, Event: event})
}

func (r *RecordingTransport) record(d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return r.Err
}

func (r *RecordingTransport) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Types returns the event types delivered so far, in order.
func (r *RecordingTransport) Types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]events.EventType, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		types = append(types, d.Event.Type)
	}
	return types
}

// OfType returns the deliveries of one event type, in order.
func (r *RecordingTransport) OfType(eventType events.EventType) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Delivery
	for _, d := range r.deliveries {
		if d.Event.Type == eventType {
			out = append(out, d)
		}
	}
	return out
}

func (r *RecordingTransport) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}
