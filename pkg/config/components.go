package config

import (
	"fmt"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/metrics"
	"poseidon-go-host/pkg/pump"
	"poseidon-go-host/pkg/serial"
	"poseidon-go-host/pkg/units"
)

// Geometry returns the drive geometry of [motion].
func (c *Config) Geometry() units.Geometry {
	return units.Geometry{
		MMPerRotation:     c.Motion.MMPerRotation,
		StepsPerRotation:  c.Motion.StepsPerRotation,
		MicrostepsPerStep: c.Motion.Microsteps,
	}
}

// Catalog returns the syringe catalog, merging motion.syringe-catalog
// over the built-in table when it is set.
func (c *Config) Catalog() (*units.Catalog, error) {
	if c.Motion.SyringeCatalog == "" {
		return units.DefaultCatalog(), nil
	}
	cat, err := units.LoadCatalog(c.Motion.SyringeCatalog)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.ErrConfigValidation, "cannot load syringe catalog").
			SetSection("motion").
			SetOption("syringe-catalog")
	}
	return cat, nil
}

// SerialConfig returns the link parameters of [connection].
func (c *Config) SerialConfig() serial.Config {
	sc := serial.DefaultConfig()
	sc.Device = c.Connection.Port
	sc.BaudRate = c.Connection.BaudRate
	sc.ReadTimeout = c.Connection.ReadTimeout.Duration
	sc.ConnectTimeout = c.Connection.ConnectTimeout.Duration
	return sc
}

// ConnectionConfig returns the connection lifecycle parameters.
func (c *Config) ConnectionConfig() mcu.Config {
	mc := mcu.DefaultConfig()
	mc.Serial = c.SerialConfig()
	mc.SettleDelay = c.Connection.SettleDelay.Duration
	mc.Pacing = c.Connection.CommandPacing.Duration
	return mc
}

// PumpSettings resolves syringe sizes in cat and returns the controller
// settings.
func (c *Config) PumpSettings(cat *units.Catalog) (pump.Settings, error) {
	s := pump.DefaultSettings()
	s.Geometry = c.Geometry()
	s.JogDistance = c.Motion.JogDistance
	s.JogSpeed = c.Motion.JogSpeed
	s.RelativeJog = c.Motion.RelativeJog
	s.PollInterval = c.Motion.PollInterval.Duration

	var err error
	if s.SpeedUnit, err = units.ParseRateUnit(c.Motion.SpeedUnit); err != nil {
		return s, perrors.ConfigTypeError("motion", "speed-unit", c.Motion.SpeedUnit, "rate unit", err)
	}
	if s.AccelUnit, err = units.ParseRateUnit(c.Motion.AccelUnit); err != nil {
		return s, perrors.ConfigTypeError("motion", "accel-unit", c.Motion.AccelUnit, "rate unit", err)
	}

	for i, ch := range c.Channels() {
		syr, ok := cat.Lookup(ch.Size)
		if !ok {
			return s, perrors.ConfigValidationError(ChannelSectionName(i+1), "size",
				fmt.Sprintf("unknown syringe '%s'", ch.Size))
		}
		s.Channels[i] = pump.ChannelSetup{
			Syringe:          syr,
			Speed:            ch.Speed,
			Volume:           ch.Volume,
			Acceleration:     ch.Acceleration,
			SequencePosition: ch.SequencePosition,
		}
	}
	return s, nil
}

// MetricsServerConfig returns the standalone metrics server settings and
// whether one is configured.
func (c *Config) MetricsServerConfig() (metrics.ServerConfig, bool) {
	mc := metrics.DefaultServerConfig()
	if c.Metrics.Addr == "" {
		return mc, false
	}
	mc.Address = c.Metrics.Addr
	mc.Username = c.Metrics.Username
	mc.Password = c.Metrics.Password
	return mc, true
}

// ApplyLog configures l from [log].
func (c *Config) ApplyLog(l *log.Logger) {
	l.SetLevel(log.ParseLevel(c.Log.Level))
	l.SetFormat(log.ParseFormat(c.Log.Format))
}
