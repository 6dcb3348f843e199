// Configuration file handling
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package config loads the host configuration from a TOML file. Unknown
// options are rejected, and every value is range checked before any
// component sees it.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/protocol"
)

// Duration is a time.Duration written as a string such as "100ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ConnectionSection is [connection].
type ConnectionSection struct {
	Port           string   `toml:"port"`
	BaudRate       int      `toml:"baudrate"`
	ReadTimeout    Duration `toml:"read-timeout"`
	ConnectTimeout Duration `toml:"connect-timeout"`
	SettleDelay    Duration `toml:"settle-delay"`
	CommandPacing  Duration `toml:"command-pacing"`
	AutoConnect    bool     `toml:"auto-connect"`
}

// MotionSection is [motion].
type MotionSection struct {
	MMPerRotation    float64  `toml:"mm-per-rotation"`
	StepsPerRotation float64  `toml:"steps-per-rotation"`
	Microsteps       float64  `toml:"microsteps"`
	JogDistance      float64  `toml:"jog-distance"`
	JogSpeed         float64  `toml:"jog-speed"`
	RelativeJog      bool     `toml:"relative-jog"`
	SpeedUnit        string   `toml:"speed-unit"`
	AccelUnit        string   `toml:"accel-unit"`
	SyringeCatalog   string   `toml:"syringe-catalog"`
	PollInterval     Duration `toml:"poll-interval"`
}

// ChannelSection is [syringe-channel-N].
type ChannelSection struct {
	Size             string  `toml:"size"`
	Speed            float64 `toml:"speed"`
	Volume           float64 `toml:"volume"`
	Acceleration     float64 `toml:"acceleration"`
	SequencePosition int     `toml:"sequence-position"`
}

// APISection is [api].
type APISection struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors-origins"`
}

// TelemetrySection is [telemetry].
type TelemetrySection struct {
	RedisAddr    string `toml:"redis-addr"`
	RedisChannel string `toml:"redis-channel"`
	History      int    `toml:"history"`
	QueueSize    int    `toml:"queue-size"`
}

// MetricsSection is [metrics]. An empty addr leaves /metrics on the API
// server only.
type MetricsSection struct {
	Addr     string `toml:"addr"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LogSection is [log].
type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the whole configuration file.
type Config struct {
	Connection ConnectionSection `toml:"connection"`
	Motion     MotionSection     `toml:"motion"`
	Channel1   ChannelSection    `toml:"syringe-channel-1"`
	Channel2   ChannelSection    `toml:"syringe-channel-2"`
	Channel3   ChannelSection    `toml:"syringe-channel-3"`
	API        APISection        `toml:"api"`
	Telemetry  TelemetrySection  `toml:"telemetry"`
	Metrics    MetricsSection    `toml:"metrics"`
	Log        LogSection        `toml:"log"`

	path string
}

// ChannelSectionName returns the section name of channel ch.
func ChannelSectionName(ch int) string {
	return fmt.Sprintf("syringe-channel-%d", ch)
}

// Default returns the stock configuration.
func Default() *Config {
	c := &Config{
		Connection: ConnectionSection{
			BaudRate:       230400,
			ReadTimeout:    Duration{time.Second},
			ConnectTimeout: Duration{5 * time.Second},
			SettleDelay:    Duration{3 * time.Second},
			CommandPacing:  Duration{100 * time.Millisecond},
		},
		Motion: MotionSection{
			MMPerRotation:    0.8,
			StepsPerRotation: 200,
			Microsteps:       32,
			JogDistance:      10,
			JogSpeed:         10,
			SpeedUnit:        "mL/hr",
			AccelUnit:        "mL/s",
			PollInterval:     Duration{100 * time.Millisecond},
		},
		API: APISection{
			Enabled:     true,
			Addr:        "127.0.0.1:7125",
			CORSOrigins: []string{"*"},
		},
		Telemetry: TelemetrySection{
			RedisChannel: "poseidon:events",
			History:      1000,
			QueueSize:    256,
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
	}
	for i, ch := range c.Channels() {
		*ch = ChannelSection{
			Size:             "500 mL",
			Speed:            1,
			Volume:           1,
			Acceleration:     5,
			SequencePosition: i + 1,
		}
	}
	return c
}

// Channels returns the three channel sections in channel order.
func (c *Config) Channels() [protocol.NumChannels]*ChannelSection {
	return [protocol.NumChannels]*ChannelSection{&c.Channel1, &c.Channel2, &c.Channel3}
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Load reads and validates the configuration at path. Options missing
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// LoadString parses and validates a configuration held in memory.
func LoadString(data string) (*Config, error) {
	return Decode(strings.NewReader(data))
}

// Decode parses and validates a configuration from r.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return nil, perrors.Wrap(err, perrors.ErrConfigType,
				fmt.Sprintf("line %d: %s", perr.Position.Line, perr.Message))
		}
		return nil, perrors.Wrap(err, perrors.ErrConfigType, "cannot decode configuration")
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// checkUndecoded rejects keys that do not map to any option.
func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	unknown := make([]string, 0, len(keys))
	for _, k := range keys {
		unknown = append(unknown, k.String())
	}
	sort.Strings(unknown)

	first := keys[0]
	section, option := "", first.String()
	if len(first) > 1 {
		section = first[0]
		option = strings.Join(first[1:], ".")
	}
	return perrors.ConfigOptionError(section, option,
		fmt.Sprintf("unknown options: %s", strings.Join(unknown, ", ")))
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
