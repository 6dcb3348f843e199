package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/units"
)

// FloatBounds limits a float option. Nil bounds are not checked.
type FloatBounds struct {
	MinVal *float64 // minimum value (>=)
	MaxVal *float64 // maximum value (<=)
	Above  *float64 // must be above this value (>)
	Below  *float64 // must be below this value (<)
}

func bound(v float64) *float64 { return &v }

var (
	positive    = FloatBounds{Above: bound(0)}
	nonNegative = FloatBounds{MinVal: bound(0)}
)

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CheckFloat validates v against b.
func CheckFloat(section, option string, v float64, b FloatBounds) error {
	fail := func(constraint string) error {
		return perrors.ConfigValidationError(section, option,
			fmt.Sprintf("value %s %s", fmtFloat(v), constraint))
	}
	if b.MinVal != nil && v < *b.MinVal {
		return fail("must have minimum of " + fmtFloat(*b.MinVal))
	}
	if b.MaxVal != nil && v > *b.MaxVal {
		return fail("must have maximum of " + fmtFloat(*b.MaxVal))
	}
	if b.Above != nil && !(v > *b.Above) {
		return fail("must be above " + fmtFloat(*b.Above))
	}
	if b.Below != nil && !(v < *b.Below) {
		return fail("must be below " + fmtFloat(*b.Below))
	}
	return nil
}

// CheckInt validates minVal <= v <= maxVal.
func CheckInt(section, option string, v, minVal, maxVal int) error {
	if v < minVal || v > maxVal {
		return perrors.ConfigValidationError(section, option,
			fmt.Sprintf("value %d must be between %d and %d", v, minVal, maxVal))
	}
	return nil
}

// CheckChoice validates that v is one of choices, ignoring case.
func CheckChoice(section, option, v string, choices []string) error {
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return nil
		}
	}
	return perrors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", v, choices))
}

func checkDuration(section, option string, d Duration, allowZero bool) error {
	if d.Duration < 0 || (!allowZero && d.Duration == 0) {
		return perrors.ConfigValidationError(section, option,
			fmt.Sprintf("duration %s must be positive", d.Duration))
	}
	return nil
}

func checkRateUnit(section, option, v string) error {
	if _, err := units.ParseRateUnit(v); err != nil {
		return perrors.ConfigTypeError(section, option, v, "rate unit", err)
	}
	return nil
}

// Validate checks every option. Non-positive drive geometry fails with
// PRECONDITION; other bad values with CONFIG_VALIDATION.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	conn := c.Connection
	add(CheckInt("connection", "baudrate", conn.BaudRate, 1, 4000000))
	add(checkDuration("connection", "read-timeout", conn.ReadTimeout, false))
	add(checkDuration("connection", "connect-timeout", conn.ConnectTimeout, false))
	add(checkDuration("connection", "settle-delay", conn.SettleDelay, true))
	add(checkDuration("connection", "command-pacing", conn.CommandPacing, false))

	m := c.Motion
	if err := c.Geometry().Validate(); err != nil {
		var he *perrors.HostError
		if errors.As(err, &he) {
			he.SetSection("motion")
		}
		// Geometry is fatal on its own; later checks would only repeat it.
		return err
	}
	add(CheckFloat("motion", "jog-distance", m.JogDistance, positive))
	add(CheckFloat("motion", "jog-speed", m.JogSpeed, positive))
	add(checkRateUnit("motion", "speed-unit", m.SpeedUnit))
	add(checkRateUnit("motion", "accel-unit", m.AccelUnit))
	add(checkDuration("motion", "poll-interval", m.PollInterval, false))

	for i, ch := range c.Channels() {
		name := ChannelSectionName(i + 1)
		if strings.TrimSpace(ch.Size) == "" {
			add(perrors.ConfigOptionError(name, "size", "must be specified"))
		}
		add(CheckFloat(name, "speed", ch.Speed, positive))
		add(CheckFloat(name, "volume", ch.Volume, nonNegative))
		add(CheckFloat(name, "acceleration", ch.Acceleration, positive))
		add(CheckInt(name, "sequence-position", ch.SequencePosition, 1, protocol.NumChannels))
	}

	if c.API.Enabled && c.API.Addr == "" {
		add(perrors.ConfigOptionError("api", "addr", "must be specified when the API is enabled"))
	}

	t := c.Telemetry
	add(CheckInt("telemetry", "history", t.History, 0, 1000000))
	add(CheckInt("telemetry", "queue-size", t.QueueSize, 1, 1000000))
	if t.RedisAddr != "" && t.RedisChannel == "" {
		add(perrors.ConfigOptionError("telemetry", "redis-channel", "must be specified with redis-addr"))
	}

	add(CheckChoice("log", "level", c.Log.Level, []string{"debug", "info", "warn", "warning", "error"}))
	add(CheckChoice("log", "format", c.Log.Format, []string{"text", "json"}))

	return errors.Join(errs...)
}
