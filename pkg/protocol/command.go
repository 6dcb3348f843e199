// Package protocol implements the text framing spoken by the pump
// controller: <OP,TYPE,MASK,VALUE,DIR,T1,T2,T3> commands going out and
// <pos1,rem1,pos2,rem2,pos3,rem3> telemetry coming back.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame delimiters
const (
	StartMarker = '<'
	EndMarker   = '>'
	Separator   = ','
)

// NumChannels is the number of syringe axes on the controller.
const NumChannels = 3

// CommandFields is the field count of every outbound command.
const CommandFields = 8

// Operation is the first command field.
type Operation string

const (
	OpRun     Operation = "RUN"
	OpSetting Operation = "SETTING"
	OpZero    Operation = "ZERO"
	OpStop    Operation = "STOP"
	OpPause   Operation = "PAUSE"
	OpResume  Operation = "RESUME"
)

var operations = map[Operation]bool{
	OpRun: true, OpSetting: true, OpZero: true,
	OpStop: true, OpPause: true, OpResume: true,
}

// OperationType qualifies RUN and SETTING commands.
type OperationType string

const (
	TypeNone   OperationType = ""
	TypeSpeed  OperationType = "SPEED"
	TypeAccel  OperationType = "ACCEL"
	TypeDelta  OperationType = "DELTA"
	TypeDist   OperationType = "DIST"
	TypeEnable OperationType = "ENABLE"
)

var operationTypes = map[OperationType]bool{
	TypeNone: true, TypeSpeed: true, TypeAccel: true,
	TypeDelta: true, TypeDist: true, TypeEnable: true,
}

// Direction of travel. DirectionNone is sent as "F", which the
// firmware ignores for commands that do not move.
type Direction string

const (
	DirectionNone Direction = ""
	Forward       Direction = "F"
	Backward      Direction = "B"
)

func (d Direction) String() string {
	if d == DirectionNone {
		return string(Forward)
	}
	return string(d)
}

// Sign returns +1 for Forward and -1 for Backward.
func (d Direction) Sign() float64 {
	if d == Backward {
		return -1
	}
	return 1
}

// ParseDirection parses "F" or "B".
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(s)) {
	case Forward:
		return Forward, nil
	case Backward:
		return Backward, nil
	}
	return DirectionNone, fmt.Errorf("protocol: invalid direction %q", s)
}

// ChannelMask selects a subset of the channels.
type ChannelMask uint8

// MaskAll addresses every channel.
const MaskAll ChannelMask = 1<<NumChannels - 1

// MaskOf builds a mask from 1-based channel numbers. Out of range
// channels are ignored.
func MaskOf(channels ...int) ChannelMask {
	var m ChannelMask
	for _, ch := range channels {
		if ch >= 1 && ch <= NumChannels {
			m |= 1 << (ch - 1)
		}
	}
	return m
}

// Has reports whether channel ch (1-based) is addressed.
func (m ChannelMask) Has(ch int) bool {
	return ch >= 1 && ch <= NumChannels && m&(1<<(ch-1)) != 0
}

// Channels lists the addressed channels in ascending order.
func (m ChannelMask) Channels() []int {
	var out []int
	for ch := 1; ch <= NumChannels; ch++ {
		if m.Has(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// String renders the addressed channel digits, or "0" for no channel.
func (m ChannelMask) String() string {
	if m&MaskAll == 0 {
		return "0"
	}
	var b strings.Builder
	for _, ch := range m.Channels() {
		b.WriteByte(byte('0' + ch))
	}
	return b.String()
}

// ParseMask parses a mask field.
func ParseMask(s string) (ChannelMask, error) {
	if s == "0" {
		return 0, nil
	}
	if s == "" {
		return 0, fmt.Errorf("protocol: empty channel mask")
	}
	var m ChannelMask
	for _, c := range s {
		ch := int(c - '0')
		if ch < 1 || ch > NumChannels {
			return 0, fmt.Errorf("protocol: invalid channel mask %q", s)
		}
		m |= 1 << (ch - 1)
	}
	return m, nil
}

// Command is one outbound instruction.
type Command struct {
	Op      Operation
	Type    OperationType
	Mask    ChannelMask
	Value   float64
	Dir     Direction
	Targets [NumChannels]float64
}

// FormatNumber renders v as a plain decimal, never in exponent form.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Fields returns the eight wire fields of c.
func (c Command) Fields() []string {
	fields := make([]string, 0, CommandFields)
	fields = append(fields,
		string(c.Op),
		string(c.Type),
		c.Mask.String(),
		FormatNumber(c.Value),
		c.Dir.String(),
	)
	for _, t := range c.Targets {
		fields = append(fields, FormatNumber(t))
	}
	return fields
}

// Encode renders c as a complete frame.
func Encode(c Command) []byte {
	return EncodeFields(c.Fields())
}

// EncodeFields wraps fields in frame delimiters.
func EncodeFields(fields []string) []byte {
	n := 2 + len(fields)
	for _, f := range fields {
		n += len(f)
	}
	out := make([]byte, 0, n)
	out = append(out, StartMarker)
	for i, f := range fields {
		if i > 0 {
			out = append(out, Separator)
		}
		out = append(out, f...)
	}
	return append(out, EndMarker)
}

func (c Command) String() string {
	return string(Encode(c))
}

// ParseCommand interprets the fields of an outbound command frame.
func ParseCommand(fields []string) (Command, error) {
	var c Command
	if len(fields) != CommandFields {
		return c, fmt.Errorf("protocol: command has %d fields, want %d", len(fields), CommandFields)
	}
	c.Op = Operation(fields[0])
	if !operations[c.Op] {
		return c, fmt.Errorf("protocol: unknown operation %q", fields[0])
	}
	c.Type = OperationType(fields[1])
	if !operationTypes[c.Type] {
		return c, fmt.Errorf("protocol: unknown operation type %q", fields[1])
	}
	var err error
	if c.Mask, err = ParseMask(fields[2]); err != nil {
		return c, err
	}
	if c.Value, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return c, fmt.Errorf("protocol: value %q: %w", fields[3], err)
	}
	if c.Dir, err = ParseDirection(fields[4]); err != nil {
		return c, err
	}
	for i := range c.Targets {
		if c.Targets[i], err = strconv.ParseFloat(fields[5+i], 64); err != nil {
			return c, fmt.Errorf("protocol: target %d %q: %w", i+1, fields[5+i], err)
		}
	}
	return c, nil
}

// Command constructors

// SpeedSetting sets the maximum speed of one channel in steps/s.
func SpeedSetting(ch int, stepsPerSec float64) Command {
	return Command{Op: OpSetting, Type: TypeSpeed, Mask: MaskOf(ch), Value: stepsPerSec}
}

// AccelSetting sets the acceleration of one channel in steps/s².
func AccelSetting(ch int, stepsPerSec2 float64) Command {
	return Command{Op: OpSetting, Type: TypeAccel, Mask: MaskOf(ch), Value: stepsPerSec2}
}

// EnableMotors energizes (or releases) every motor driver.
func EnableMotors(enabled bool) Command {
	c := Command{Op: OpSetting, Type: TypeEnable, Mask: MaskAll}
	if enabled {
		c.Value = 1
	}
	return c
}

// RunTo moves the masked channels to absolute step targets.
func RunTo(mask ChannelMask, targets [NumChannels]float64) Command {
	return Command{Op: OpRun, Type: TypeDist, Mask: mask, Dir: Forward, Targets: targets}
}

// RunBy moves the masked channels by step deltas in direction dir.
func RunBy(mask ChannelMask, dir Direction, deltas [NumChannels]float64) Command {
	return Command{Op: OpRun, Type: TypeDelta, Mask: mask, Dir: dir, Targets: deltas}
}

// Stop halts the masked channels.
func Stop(mask ChannelMask) Command {
	return Command{Op: OpStop, Mask: mask}
}

// Pause suspends motion on the masked channels.
func Pause(mask ChannelMask) Command {
	return Command{Op: OpPause, Mask: mask}
}

// Resume continues paused motion on the masked channels.
func Resume(mask ChannelMask) Command {
	return Command{Op: OpResume, Mask: mask}
}

// Zero resets the position counters of the masked channels.
func Zero(mask ChannelMask) Command {
	return Command{Op: OpZero, Mask: mask}
}
