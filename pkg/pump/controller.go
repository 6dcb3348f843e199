// Foreground pump control: settings, runs, jogs and sequences
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package pump turns operator requests in physical units into command
// batches for the controller.
package pump

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/units"
)

// Link is the part of mcu.Connection the controller needs.
type Link interface {
	Send(ctx context.Context, cmds ...protocol.Command) error
	SetMotors(ctx context.Context, enabled bool) error
	States() *mcu.ChannelStates
}

// ChannelSetup is the operator configuration of one channel.
type ChannelSetup struct {
	Syringe units.Syringe `json:"syringe"`

	// Speed in the controller's speed unit
	Speed float64 `json:"speed"`

	// Volume dispensed by a configured run, in mL
	Volume float64 `json:"volume_ml"`

	// Acceleration in the controller's acceleration unit
	Acceleration float64 `json:"acceleration"`

	// SequencePosition orders channels in a sequenced run, 1 first
	SequencePosition int `json:"sequence_position"`
}

// Settings configures a Controller.
type Settings struct {
	Geometry units.Geometry
	Channels [protocol.NumChannels]ChannelSetup

	SpeedUnit units.RateUnit
	AccelUnit units.RateUnit

	// JogDistance in mm and JogSpeed in mm/s
	JogDistance float64
	JogSpeed    float64

	// RelativeJog sends RUN,DELTA jogs for firmware that predates
	// absolute targets.
	RelativeJog bool

	// PollInterval is how often a sequenced run checks channel state.
	PollInterval time.Duration
}

// DefaultSettings returns stock settings: 500 mL syringes, 10 mm jogs at
// 10 mm/s and channels sequenced in numeric order.
func DefaultSettings() Settings {
	syr, _ := units.DefaultCatalog().Lookup(units.DefaultSyringe)
	s := Settings{
		Geometry:     units.DefaultGeometry(),
		SpeedUnit:    units.MLPerHour,
		AccelUnit:    units.MLPerSec,
		JogDistance:  10,
		JogSpeed:     10,
		PollInterval: 100 * time.Millisecond,
	}
	for i := range s.Channels {
		s.Channels[i] = ChannelSetup{
			Syringe:          syr,
			Speed:            1,
			Volume:           1,
			Acceleration:     5,
			SequencePosition: i + 1,
		}
	}
	return s
}

// ChannelRun requests one channel to dispense VolumeML at FlowMLPerHour.
type ChannelRun struct {
	Channel       int     `json:"channel"`
	VolumeML      float64 `json:"volume_ml"`
	FlowMLPerHour float64 `json:"speed_ml_h"`
}

// Controller builds and sends command batches. It never updates channel
// positions itself; completion is judged from telemetry only.
type Controller struct {
	link   Link
	logger *log.Logger

	mu       sync.RWMutex
	settings Settings
	conv     *units.Converter
}

// NewController validates settings and returns a controller sending on
// link. Non-positive geometry or syringe areas fail with PRECONDITION.
func NewController(link Link, settings Settings, logger *log.Logger) (*Controller, error) {
	if logger == nil {
		logger = log.GetLogger("pump")
	}
	c := &Controller{link: link, logger: logger}
	if err := c.apply(settings); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) apply(s Settings) error {
	conv, err := units.NewConverter(s.Geometry)
	if err != nil {
		return err
	}
	for i, ch := range s.Channels {
		option := fmt.Sprintf("syringe-channel-%d.size", i+1)
		if err := units.ValidateArea(option, ch.Syringe.AreaMM2); err != nil {
			return err
		}
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 100 * time.Millisecond
	}
	if s.SpeedUnit == (units.RateUnit{}) {
		s.SpeedUnit = units.MLPerHour
	}
	if s.AccelUnit == (units.RateUnit{}) {
		s.AccelUnit = units.MLPerSec
	}

	states := c.link.States()
	for i, ch := range s.Channels {
		if err := states.Configure(i+1, ch.Syringe, ch.Acceleration); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.settings = s
	c.conv = conv
	c.mu.Unlock()
	return nil
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings validates and installs new settings. Nothing is sent;
// call SendSettings to push speeds and accelerations.
func (c *Controller) UpdateSettings(s Settings) error {
	return c.apply(s)
}

// UpdateChannel replaces the setup of channel ch.
func (c *Controller) UpdateChannel(ch int, setup ChannelSetup) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	s := c.Settings()
	s.Channels[ch-1] = setup
	return c.apply(s)
}

func (c *Controller) snapshot() (Settings, *units.Converter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings, c.conv
}

func checkChannel(ch int) error {
	if ch < 1 || ch > protocol.NumChannels {
		return perrors.InvalidRequest("channel %d out of range 1-%d", ch, protocol.NumChannels)
	}
	return nil
}

// SettingsCommands returns the SPEED and ACCEL settings of every channel.
func (c *Controller) SettingsCommands() []protocol.Command {
	s, conv := c.snapshot()
	cmds := make([]protocol.Command, 0, 2*protocol.NumChannels)
	for i, ch := range s.Channels {
		area := ch.Syringe.AreaMM2
		cmds = append(cmds,
			protocol.SpeedSetting(i+1, conv.SpeedToStepsPerSec(ch.Speed, s.SpeedUnit, area)),
			protocol.AccelSetting(i+1, conv.AccelToStepsPerSec2(ch.Acceleration, s.AccelUnit, area)))
	}
	return cmds
}

// SendSettings pushes speed and acceleration of every channel.
func (c *Controller) SendSettings(ctx context.Context) error {
	return c.link.Send(ctx, c.SettingsCommands()...)
}

// RunCommands builds the batch for runs: one SPEED setting per channel
// followed by a single absolute RUN. It returns the batch and the step
// targets.
func (c *Controller) RunCommands(runs []ChannelRun) ([]protocol.Command, [protocol.NumChannels]float64, error) {
	var targets [protocol.NumChannels]float64
	if len(runs) == 0 {
		return nil, targets, perrors.InvalidRequest("run: no channels")
	}
	s, conv := c.snapshot()
	snap := c.link.States().Snapshot()

	var mask protocol.ChannelMask
	cmds := make([]protocol.Command, 0, len(runs)+1)
	for _, r := range runs {
		if err := checkChannel(r.Channel); err != nil {
			return nil, targets, err
		}
		if mask.Has(r.Channel) {
			return nil, targets, perrors.InvalidRequest("run: channel %d given twice", r.Channel)
		}
		if r.VolumeML < 0 || r.FlowMLPerHour <= 0 {
			return nil, targets, perrors.InvalidRequest("run: channel %d needs a volume >= 0 and a speed > 0", r.Channel)
		}
		mask |= protocol.MaskOf(r.Channel)

		area := s.Channels[r.Channel-1].Syringe.AreaMM2
		target, speed := conv.GetRunParameters(area, r.VolumeML, r.FlowMLPerHour, snap[r.Channel-1].Position)
		targets[r.Channel-1] = target
		cmds = append(cmds, protocol.SpeedSetting(r.Channel, speed))
	}
	cmds = append(cmds, protocol.RunTo(mask, targets))
	return cmds, targets, nil
}

// Run dispenses on the requested channels together.
func (c *Controller) Run(ctx context.Context, runs []ChannelRun) ([protocol.NumChannels]float64, error) {
	cmds, targets, err := c.RunCommands(runs)
	if err != nil {
		return targets, err
	}
	c.logger.WithField("mask", cmdMask(cmds)).Infof("run to %v", targets)
	return targets, c.link.Send(ctx, cmds...)
}

func cmdMask(cmds []protocol.Command) string {
	return cmds[len(cmds)-1].Mask.String()
}

// ConfiguredRun returns the run for channel ch using its configured
// volume and speed.
func (c *Controller) ConfiguredRun(ch int) (ChannelRun, error) {
	if err := checkChannel(ch); err != nil {
		return ChannelRun{}, err
	}
	s, _ := c.snapshot()
	setup := s.Channels[ch-1]
	return ChannelRun{
		Channel:       ch,
		VolumeML:      setup.Volume,
		FlowMLPerHour: units.ToMLPerHour(setup.Speed, s.SpeedUnit, setup.Syringe.AreaMM2),
	}, nil
}

// RunConfigured runs every channel in mask with its configured volume
// and speed.
func (c *Controller) RunConfigured(ctx context.Context, mask protocol.ChannelMask) ([protocol.NumChannels]float64, error) {
	runs := make([]ChannelRun, 0, protocol.NumChannels)
	for _, ch := range mask.Channels() {
		r, err := c.ConfiguredRun(ch)
		if err != nil {
			return [protocol.NumChannels]float64{}, err
		}
		runs = append(runs, r)
	}
	return c.Run(ctx, runs)
}

// JogCommands builds the batch for one jog of channel ch.
func (c *Controller) JogCommands(ch int, dir protocol.Direction) ([]protocol.Command, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	if dir == protocol.DirectionNone {
		return nil, perrors.InvalidRequest("jog: direction must be F or B")
	}
	s, conv := c.snapshot()
	current := c.link.States().Snapshot()[ch-1].Position

	target, speed := conv.GetJogParameters(dir.Sign(), s.JogDistance, s.JogSpeed, current)
	var slots [protocol.NumChannels]float64
	var jog protocol.Command
	if s.RelativeJog {
		slots[ch-1] = math.Abs(target - float64(current))
		jog = protocol.RunBy(protocol.MaskOf(ch), dir, slots)
	} else {
		slots[ch-1] = target
		jog = protocol.RunTo(protocol.MaskOf(ch), slots)
	}
	return []protocol.Command{protocol.SpeedSetting(ch, speed), jog}, nil
}

// Jog moves channel ch by the configured jog distance.
func (c *Controller) Jog(ctx context.Context, ch int, dir protocol.Direction) error {
	cmds, err := c.JogCommands(ch, dir)
	if err != nil {
		return err
	}
	return c.link.Send(ctx, cmds...)
}

func orAll(mask protocol.ChannelMask) protocol.ChannelMask {
	if mask == 0 {
		return protocol.MaskAll
	}
	return mask
}

// Stop halts the channels in mask; the empty mask means all.
func (c *Controller) Stop(ctx context.Context, mask protocol.ChannelMask) error {
	return c.link.Send(ctx, protocol.Stop(orAll(mask)))
}

// Pause suspends the channels in mask; the empty mask means all.
func (c *Controller) Pause(ctx context.Context, mask protocol.ChannelMask) error {
	return c.link.Send(ctx, protocol.Pause(orAll(mask)))
}

// Resume continues the channels in mask; the empty mask means all.
func (c *Controller) Resume(ctx context.Context, mask protocol.ChannelMask) error {
	return c.link.Send(ctx, protocol.Resume(orAll(mask)))
}

// Zero resets the position counters of the channels in mask.
func (c *Controller) Zero(ctx context.Context, mask protocol.ChannelMask) error {
	return c.link.Send(ctx, protocol.Zero(orAll(mask)))
}

// SetMotors enables or disables every motor driver.
func (c *Controller) SetMotors(ctx context.Context, enabled bool) error {
	return c.link.SetMotors(ctx, enabled)
}

// IsRunning reports whether channel ch has steps remaining.
func (c *Controller) IsRunning(ch int) bool {
	st, err := c.link.States().Channel(ch)
	return err == nil && st.Running()
}

// SequenceOrder returns the channels of mask ordered by sequence
// position, ties broken by channel number.
func (c *Controller) SequenceOrder(mask protocol.ChannelMask) []int {
	s, _ := c.snapshot()
	order := mask.Channels()
	sort.SliceStable(order, func(i, j int) bool {
		return s.Channels[order[i]-1].SequencePosition < s.Channels[order[j]-1].SequencePosition
	})
	return order
}

// RunSequence runs the channels of mask one at a time with their
// configured volume and speed. Each run must be reported finished (no
// steps remaining) before the next starts. If ctx ends mid-run the
// running channel is stopped.
func (c *Controller) RunSequence(ctx context.Context, mask protocol.ChannelMask) error {
	order := c.SequenceOrder(orAll(mask))
	for _, ch := range order {
		since := c.link.States().Reports()
		if _, err := c.RunConfigured(ctx, protocol.MaskOf(ch)); err != nil {
			return fmt.Errorf("sequence channel %d: %w", ch, err)
		}
		c.logger.WithField("channel", ch).Info("sequence step started")
		if err := c.WaitFinished(ctx, ch, since); err != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if serr := c.Stop(stopCtx, protocol.MaskOf(ch)); serr != nil {
				c.logger.WithError(serr).Warn("stop after aborted sequence failed")
			}
			cancel()
			return fmt.Errorf("sequence channel %d: %w", ch, err)
		}
	}
	return nil
}

// WaitFinished blocks until channel ch reports no steps remaining in a
// telemetry report newer than since, or ctx ends. since is the
// ChannelStates report count taken before the run was sent; the final
// position is whatever the controller settled on.
func (c *Controller) WaitFinished(ctx context.Context, ch int, since uint64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	s, _ := c.snapshot()
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	states := c.link.States()
	for {
		st, _ := states.Channel(ch)
		if states.Reports() > since && !st.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ChannelStatus is a channel snapshot with step counts converted to mL.
type ChannelStatus struct {
	mcu.ChannelState
	VolumeML    float64 `json:"volume_ml"`
	RemainingML float64 `json:"remaining_ml"`
	Running     bool    `json:"running"`
}

// Status returns every channel's last reported state.
func (c *Controller) Status() [protocol.NumChannels]ChannelStatus {
	_, conv := c.snapshot()
	var out [protocol.NumChannels]ChannelStatus
	for i, st := range c.link.States().Snapshot() {
		area := st.Syringe.AreaMM2
		out[i] = ChannelStatus{
			ChannelState: st,
			VolumeML:     conv.StepsToML(float64(st.Position), area),
			RemainingML:  conv.StepsToML(float64(st.Remaining), area),
			Running:      st.Running(),
		}
	}
	return out
}
