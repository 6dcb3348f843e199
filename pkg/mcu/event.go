package mcu

import (
	"sync"
	"time"

	"poseidon-go-host/pkg/protocol"
)

// Event kinds
const (
	EventConnection = "connection"
	EventMotors     = "motors"
	EventPosition   = "position"
	EventStatus     = "status"
)

// Event is the serializable form of one observer callback, as pushed to
// websocket clients and the telemetry publisher.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Session string    `json:"session,omitempty"`

	State  State  `json:"state,omitempty"`
	Port   string `json:"port,omitempty"`
	Error  string `json:"error,omitempty"`
	Motors *bool  `json:"motors,omitempty"`

	Axes []protocol.AxisReport `json:"axes,omitempty"`
	Text string                `json:"text,omitempty"`
}

// EventSink turns observer callbacks into Events and hands them to Emit.
// Emit runs on the caller's goroutine and must not block. The session ID
// of the last connection event is attached to every later event.
type EventSink struct {
	Emit func(Event)

	// Now defaults to time.Now
	Now func() time.Time

	mu      sync.Mutex
	session string
}

func (s *EventSink) emit(ev Event) {
	if s.Now != nil {
		ev.Time = s.Now()
	} else {
		ev.Time = time.Now()
	}
	if ev.Session == "" {
		s.mu.Lock()
		ev.Session = s.session
		s.mu.Unlock()
	}
	s.Emit(ev)
}

func (s *EventSink) ConnectionStateChanged(ev ConnectionEvent) {
	s.mu.Lock()
	s.session = ev.Session
	s.mu.Unlock()
	out := Event{Type: EventConnection, State: ev.State, Port: ev.Port, Session: ev.Session}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	s.emit(out)
}

func (s *EventSink) MotorsStateChanged(enabled bool) {
	s.emit(Event{Type: EventMotors, Motors: &enabled})
}

func (s *EventSink) PositionUpdated(t protocol.Telemetry) {
	axes := make([]protocol.AxisReport, len(t.Axes))
	copy(axes, t.Axes[:])
	s.emit(Event{Type: EventPosition, Axes: axes})
}

func (s *EventSink) StatusLine(text string) {
	s.emit(Event{Type: EventStatus, Text: text})
}
