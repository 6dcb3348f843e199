package main

import (
	"fmt"
	"math"
	"sync"

	"poseidon-go-host/pkg/protocol"
)

// defaultSpeed is used until a SETTING,SPEED arrives, in steps/s.
const defaultSpeed = 1000

type axis struct {
	position float64
	target   float64
	speed    float64
	accel    float64
	paused   bool
}

// pumpSim models the controller firmware: three axes moving at constant
// speed toward absolute targets.
type pumpSim struct {
	mu      sync.Mutex
	axes    [protocol.NumChannels]axis
	enabled bool
}

func newPumpSim() *pumpSim {
	s := &pumpSim{}
	for i := range s.axes {
		s.axes[i].speed = defaultSpeed
	}
	return s
}

// apply executes one command and returns a reply line for the log.
func (s *pumpSim) apply(c protocol.Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	each := func(fn func(a *axis, i int)) {
		for _, ch := range c.Mask.Channels() {
			fn(&s.axes[ch-1], ch-1)
		}
	}

	switch c.Op {
	case protocol.OpSetting:
		switch c.Type {
		case protocol.TypeSpeed:
			each(func(a *axis, _ int) { a.speed = math.Abs(c.Value) })
		case protocol.TypeAccel:
			each(func(a *axis, _ int) { a.accel = math.Abs(c.Value) })
		case protocol.TypeEnable:
			s.enabled = c.Value != 0
		default:
			return "", fmt.Errorf("unsupported setting %q", c.Type)
		}
	case protocol.OpRun:
		if !s.enabled {
			return "Motors disabled, run ignored", nil
		}
		switch c.Type {
		case protocol.TypeDist:
			each(func(a *axis, i int) { a.target = c.Targets[i]; a.paused = false })
		case protocol.TypeDelta:
			each(func(a *axis, i int) {
				a.target = a.position + c.Dir.Sign()*math.Abs(c.Targets[i])
				a.paused = false
			})
		default:
			return "", fmt.Errorf("unsupported run type %q", c.Type)
		}
	case protocol.OpStop:
		each(func(a *axis, _ int) { a.target = a.position; a.paused = false })
	case protocol.OpPause:
		each(func(a *axis, _ int) { a.paused = true })
	case protocol.OpResume:
		each(func(a *axis, _ int) { a.paused = false })
	case protocol.OpZero:
		each(func(a *axis, _ int) { a.position, a.target = 0, 0 })
	}
	return fmt.Sprintf("OK %s", c.Op), nil
}

// step advances every axis by dt seconds.
func (s *pumpSim) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	for i := range s.axes {
		a := &s.axes[i]
		if a.paused || a.position == a.target {
			continue
		}
		move := a.speed * dt
		diff := a.target - a.position
		if math.Abs(diff) <= move {
			a.position = a.target
		} else {
			a.position += math.Copysign(move, diff)
		}
	}
}

// report returns the current position report.
func (s *pumpSim) report() protocol.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t protocol.Telemetry
	for i, a := range s.axes {
		t.Axes[i] = protocol.AxisReport{
			Position:  int64(math.Round(a.position)),
			Remaining: int64(math.Round(math.Abs(a.target - a.position))),
		}
	}
	return t
}
