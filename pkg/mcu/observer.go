// Connection event delivery
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mcu

import (
	"sync"
	"time"

	"poseidon-go-host/pkg/protocol"
)

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateOpening      State = "opening"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// ConnectionEvent describes a lifecycle transition.
type ConnectionEvent struct {
	State   State
	Session string
	Port    string

	// Err is set when the transition was caused by a failure
	// (CANNOT_CONNECT or LINK_LOST).
	Err error
}

// Observer receives connection events. Methods are called from the
// connection's goroutines and must return promptly; slow consumers
// should queue the event and return.
type Observer interface {
	ConnectionStateChanged(ev ConnectionEvent)
	MotorsStateChanged(enabled bool)
	PositionUpdated(t protocol.Telemetry)
	StatusLine(text string)
}

// NopObserver ignores every event. Embed it to implement only some
// methods.
type NopObserver struct{}

func (NopObserver) ConnectionStateChanged(ConnectionEvent) {}
func (NopObserver) MotorsStateChanged(bool)                {}
func (NopObserver) PositionUpdated(protocol.Telemetry)     {}
func (NopObserver) StatusLine(string)                      {}

// ObserverFuncs adapts plain functions to Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnConnectionStateChanged func(ConnectionEvent)
	OnMotorsStateChanged     func(enabled bool)
	OnPositionUpdate         func(protocol.Telemetry)
	OnStatusLine             func(text string)
}

func (f ObserverFuncs) ConnectionStateChanged(ev ConnectionEvent) {
	if f.OnConnectionStateChanged != nil {
		f.OnConnectionStateChanged(ev)
	}
}

func (f ObserverFuncs) MotorsStateChanged(enabled bool) {
	if f.OnMotorsStateChanged != nil {
		f.OnMotorsStateChanged(enabled)
	}
}

func (f ObserverFuncs) PositionUpdated(t protocol.Telemetry) {
	if f.OnPositionUpdate != nil {
		f.OnPositionUpdate(t)
	}
}

func (f ObserverFuncs) StatusLine(text string) {
	if f.OnStatusLine != nil {
		f.OnStatusLine(text)
	}
}

// Observers fans events out to several observers in registration order.
type Observers struct {
	mu   sync.RWMutex
	list []Observer
}

// NewObservers returns a fan-out over obs; nil entries are dropped.
func NewObservers(obs ...Observer) *Observers {
	o := &Observers{}
	for _, ob := range obs {
		o.Add(ob)
	}
	return o
}

// Add registers another observer.
func (o *Observers) Add(ob Observer) {
	if ob == nil {
		return
	}
	o.mu.Lock()
	o.list = append(o.list, ob)
	o.mu.Unlock()
}

func (o *Observers) each(fn func(Observer)) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, ob := range list {
		fn(ob)
	}
}

func (o *Observers) ConnectionStateChanged(ev ConnectionEvent) {
	o.each(func(ob Observer) { ob.ConnectionStateChanged(ev) })
}

func (o *Observers) MotorsStateChanged(enabled bool) {
	o.each(func(ob Observer) { ob.MotorsStateChanged(enabled) })
}

func (o *Observers) PositionUpdated(t protocol.Telemetry) {
	o.each(func(ob Observer) { ob.PositionUpdated(t) })
}

func (o *Observers) StatusLine(text string) {
	o.each(func(ob Observer) { ob.StatusLine(text) })
}

// Recorder receives link counters. The metrics package implements it.
type Recorder interface {
	FrameDecoded(kind string)
	FramingError()
	CommandSent(op protocol.Operation)
	BatchSent(commands int, elapsed time.Duration)
	LinkLost()
}

// Frame kinds passed to Recorder.FrameDecoded
const (
	KindTelemetry = "telemetry"
	KindFrame     = "frame"
	KindText      = "text"
)

type nopRecorder struct{}

func (nopRecorder) FrameDecoded(string)            {}
func (nopRecorder) FramingError()                  {}
func (nopRecorder) CommandSent(protocol.Operation) {}
func (nopRecorder) BatchSent(int, time.Duration)   {}
func (nopRecorder) LinkLost()                      {}
