// Serial link to the pump controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package serial provides the byte link between the host and the pump
// controller: a raw serial port, or a TCP stream for the simulator.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("serial: not connected")
	ErrTimeout      = errors.New("serial: operation timed out")
	ErrClosed       = errors.New("serial: port closed")
)

// TCPPrefix selects a network link instead of a serial device.
const TCPPrefix = "tcp://"

// Parity of a serial frame.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyACM0, COM3) or tcp://host:port
	Device string

	// Baud rate (default: 230400)
	BaudRate int

	// Frame format (default: 8N1)
	DataBits int
	Parity   Parity
	StopBits int

	// Connection timeout for network links (default: 5 seconds)
	ConnectTimeout time.Duration

	// Read timeout for individual reads (default: 1 second)
	ReadTimeout time.Duration

	// RTS/DTR control
	RTSOnConnect bool
	DTROnConnect bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:       230400,
		DataBits:       8,
		Parity:         ParityNone,
		StopBits:       1,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    time.Second,
		RTSOnConnect:   true,
		DTROnConnect:   true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BaudRate == 0 {
		c.BaudRate = def.BaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = def.DataBits
	}
	if c.Parity == 0 {
		c.Parity = def.Parity
	}
	if c.StopBits == 0 {
		c.StopBits = def.StopBits
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
}

func (c Config) validate() error {
	if c.Device == "" {
		return errors.New("serial: device path required")
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("serial: unsupported data bits %d", c.DataBits)
	}
	switch c.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return fmt.Errorf("serial: unsupported parity %q", rune(c.Parity))
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("serial: unsupported stop bits %d", c.StopBits)
	}
	return nil
}

// Link is an open byte stream to the controller.
//
// Read blocks for at most the configured read timeout and returns
// ErrTimeout when nothing arrived. ResetInputBuffer discards bytes that
// were received but not yet read.
type Link interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	Device() string
}

// Dial opens the link described by cfg. Devices prefixed with tcp://
// are dialed over the network; anything else is opened as a serial port.
func Dial(ctx context.Context, cfg Config) (Link, error) {
	cfg.applyDefaults()
	if addr, ok := strings.CutPrefix(cfg.Device, TCPPrefix); ok {
		return OpenTCP(ctx, addr, cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return Open(cfg)
}

// NetPort is a Link over a network stream, used to reach the pump
// simulator.
type NetPort struct {
	mu      sync.Mutex
	conn    net.Conn
	address string
	timeout time.Duration
	closed  bool
}

// OpenTCP connects to a TCP server at the given address (host:port).
func OpenTCP(ctx context.Context, address string, cfg Config) (*NetPort, error) {
	if address == "" {
		return nil, errors.New("serial: TCP address required")
	}
	cfg.applyDefaults()

	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}
	return &NetPort{conn: conn, address: address, timeout: cfg.ReadTimeout}, nil
}

// Read reads up to len(buf) bytes, waiting at most the read timeout.
func (p *NetPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	conn, timeout := p.conn, p.timeout
	p.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("serial: set deadline: %w", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return n, ErrClosed
		}
		return n, err
	}
	return n, nil
}

// Write writes buf to the stream.
func (p *NetPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	conn := p.conn
	p.mu.Unlock()

	n, err := conn.Write(buf)
	if err != nil {
		return n, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// ResetInputBuffer is a no-op: a stream socket has no discardable
// receive queue.
func (p *NetPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the connection.
func (p *NetPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// Device returns the tcp:// address of the link.
func (p *NetPort) Device() string {
	return TCPPrefix + p.address
}

// SetReadTimeout sets the read timeout.
func (p *NetPort) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}
