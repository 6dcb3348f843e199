package protocol

import (
	"fmt"
	"math"
	"strconv"
)

// TelemetryFields is the field count of a position report.
const TelemetryFields = 2 * NumChannels

// AxisReport is the controller's view of one channel.
type AxisReport struct {
	// Position is the absolute step counter
	Position int64 `json:"position"`

	// Remaining is the number of steps left in the current move
	Remaining int64 `json:"remaining"`
}

// Telemetry is one position report covering every channel.
type Telemetry struct {
	Axes [NumChannels]AxisReport
}

// ParseTelemetry interprets frame fields as a position report. Fields
// may be integers or decimals; values are rounded to whole steps.
// Remaining counts are reported signed by some firmware revisions and
// are stored as magnitudes.
func ParseTelemetry(fields []string) (Telemetry, error) {
	var t Telemetry
	if len(fields) != TelemetryFields {
		return t, fmt.Errorf("protocol: telemetry has %d fields, want %d", len(fields), TelemetryFields)
	}
	var vals [TelemetryFields]int64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return t, fmt.Errorf("protocol: telemetry field %d %q is not a number", i+1, f)
		}
		r := math.Round(v)
		// float64(math.MaxInt64) is 2^63; MinInt64 has no magnitude.
		if r <= math.MinInt64 || r >= math.MaxInt64 {
			return t, fmt.Errorf("protocol: telemetry field %d %q out of range", i+1, f)
		}
		vals[i] = int64(r)
	}
	for ch := range t.Axes {
		rem := vals[2*ch+1]
		if rem < 0 {
			rem = -rem
		}
		t.Axes[ch] = AxisReport{Position: vals[2*ch], Remaining: rem}
	}
	return t, nil
}

// IsTelemetry reports whether fields form a position report.
func IsTelemetry(fields []string) bool {
	_, err := ParseTelemetry(fields)
	return err == nil
}

// EncodeTelemetry renders t as a frame, as the controller would send it.
func EncodeTelemetry(t Telemetry) []byte {
	fields := make([]string, 0, TelemetryFields)
	for _, a := range t.Axes {
		fields = append(fields,
			strconv.FormatInt(a.Position, 10),
			strconv.FormatInt(a.Remaining, 10))
	}
	return EncodeFields(fields)
}
