package units

import (
	"fmt"
	"strings"
)

// Length is the numerator of a rate unit.
type Length string

const (
	Millimetre Length = "mm"
	Millilitre Length = "mL"
	Microlitre Length = "µL"
)

// TimeBase is the denominator of a rate unit.
type TimeBase string

const (
	PerSecond TimeBase = "s"
	PerMinute TimeBase = "min"
	PerHour   TimeBase = "hr"
)

// RateUnit is a length over a time base, such as mL/hr.
type RateUnit struct {
	Length Length
	Time   TimeBase
}

// Rate units offered to operators.
var (
	MMPerSec      = RateUnit{Millimetre, PerSecond}
	MLPerSec      = RateUnit{Millilitre, PerSecond}
	MLPerMin      = RateUnit{Millilitre, PerMinute}
	MLPerHour     = RateUnit{Millilitre, PerHour}
	MicroLPerHour = RateUnit{Microlitre, PerHour}
)

func (u RateUnit) String() string {
	return string(u.Length) + "/" + string(u.Time)
}

// ParseRateUnit parses strings such as "mm/s", "mL/min" or "uL/hr".
func ParseRateUnit(s string) (RateUnit, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return RateUnit{}, fmt.Errorf("units: %q is not a rate", s)
	}
	var u RateUnit
	switch strings.ToLower(num) {
	case "mm":
		u.Length = Millimetre
	case "ml":
		u.Length = Millilitre
	case "µl", "ul":
		u.Length = Microlitre
	default:
		return RateUnit{}, fmt.Errorf("units: unknown length %q", num)
	}
	switch strings.ToLower(den) {
	case "s", "sec":
		u.Time = PerSecond
	case "min":
		u.Time = PerMinute
	case "h", "hr":
		u.Time = PerHour
	default:
		return RateUnit{}, fmt.Errorf("units: unknown time base %q", den)
	}
	return u, nil
}

func (t TimeBase) seconds() float64 {
	switch t {
	case PerMinute:
		return 60
	case PerHour:
		return secondsPerHour
	}
	return 1
}

// LengthToSteps converts an amount in the given length unit to steps.
// area is only used for volumes.
func (c *Converter) LengthToSteps(amount float64, l Length, area float64) float64 {
	switch l {
	case Millilitre:
		return c.MLToSteps(amount, area)
	case Microlitre:
		return c.MLToSteps(amount/1000, area)
	}
	return c.MMToSteps(amount)
}

// SpeedToStepsPerSec converts a speed in unit u to steps/s.
func (c *Converter) SpeedToStepsPerSec(speed float64, u RateUnit, area float64) float64 {
	return c.LengthToSteps(speed, u.Length, area) / u.Time.seconds()
}

// AccelToStepsPerSec2 converts an acceleration in unit u per time base
// (for example mL/s/s) to steps/s².
func (c *Converter) AccelToStepsPerSec2(accel float64, u RateUnit, area float64) float64 {
	s := u.Time.seconds()
	return c.LengthToSteps(accel, u.Length, area) / (s * s)
}

// ToMLPerHour converts a speed in unit u to a flow in mL/hr. area is
// only used when u is a linear speed.
func ToMLPerHour(speed float64, u RateUnit, area float64) float64 {
	perHour := speed * secondsPerHour / u.Time.seconds()
	switch u.Length {
	case Millilitre:
		return perHour
	case Microlitre:
		return perHour / 1000
	}
	return MMToML(perHour, area)
}
