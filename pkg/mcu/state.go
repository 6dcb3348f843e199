package mcu

import (
	"fmt"
	"sync"
	"time"

	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/units"
)

// ChannelState is the last known state of one syringe channel.
type ChannelState struct {
	// Channel number, 1-based
	Channel int `json:"channel"`

	// Position is the absolute step counter reported by the controller
	Position int64 `json:"position"`

	// Remaining is the number of steps left in the current run
	Remaining int64 `json:"remaining"`

	// Syringe geometry mounted on this channel
	Syringe units.Syringe `json:"syringe"`

	// Acceleration in mL/s²
	Acceleration float64 `json:"acceleration"`

	// UpdatedAt is when the last report arrived; zero before any report
	UpdatedAt time.Time `json:"updated_at"`
}

// Running reports whether the channel is still moving.
func (s ChannelState) Running() bool {
	return s.Remaining > 0
}

// ChannelStates holds the three channel records. Telemetry replaces all
// three together, so readers never see a mix of two reports.
type ChannelStates struct {
	mu       sync.RWMutex
	channels [protocol.NumChannels]ChannelState
	reports  uint64
}

// NewChannelStates returns unzeroed records for every channel.
func NewChannelStates() *ChannelStates {
	s := &ChannelStates{}
	for i := range s.channels {
		s.channels[i].Channel = i + 1
	}
	return s
}

// Configure sets the syringe and acceleration of channel ch.
func (s *ChannelStates) Configure(ch int, syringe units.Syringe, acceleration float64) error {
	if ch < 1 || ch > protocol.NumChannels {
		return fmt.Errorf("mcu: channel %d out of range", ch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch-1].Syringe = syringe
	s.channels[ch-1].Acceleration = acceleration
	return nil
}

// Apply records one telemetry report.
func (s *ChannelStates) Apply(t protocol.Telemetry, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range t.Axes {
		s.channels[i].Position = a.Position
		s.channels[i].Remaining = a.Remaining
		s.channels[i].UpdatedAt = at
	}
	s.reports++
}

// Snapshot returns a consistent copy of every channel.
func (s *ChannelStates) Snapshot() [protocol.NumChannels]ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels
}

// Channel returns a copy of channel ch.
func (s *ChannelStates) Channel(ch int) (ChannelState, error) {
	if ch < 1 || ch > protocol.NumChannels {
		return ChannelState{}, fmt.Errorf("mcu: channel %d out of range", ch)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[ch-1], nil
}

// Reports returns how many telemetry reports have been applied.
func (s *ChannelStates) Reports() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reports
}

// AnyRunning reports whether any channel in mask is moving.
func (s *ChannelStates) AnyRunning(mask protocol.ChannelMask) bool {
	snap := s.Snapshot()
	for _, ch := range mask.Channels() {
		if snap[ch-1].Running() {
			return true
		}
	}
	return false
}
