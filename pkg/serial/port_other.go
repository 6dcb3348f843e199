//go:build !linux && !darwin

// Serial port for hosts without termios
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package serial

import (
	"fmt"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

// Port represents a serial port connection.
type Port struct {
	mu     sync.Mutex
	port   bugst.Port
	device string
	closed bool
}

// ListPorts returns a list of available serial port names.
func ListPorts() ([]string, error) {
	return bugst.GetPortsList()
}

// Open opens a serial port with the given configuration.
func Open(cfg Config) (*Port, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch cfg.Parity {
	case ParityEven:
		mode.Parity = bugst.EvenParity
	case ParityOdd:
		mode.Parity = bugst.OddParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}

	p, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: set read timeout: %w", err)
	}
	_ = p.SetRTS(cfg.RTSOnConnect)
	_ = p.SetDTR(cfg.DTROnConnect)

	return &Port{port: p, device: cfg.Device}, nil
}

// Read reads up to len(buf) bytes, waiting at most the read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	port := p.port
	p.mu.Unlock()

	n, err := port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	port := p.port
	p.mu.Unlock()

	n, err := port.Write(buf)
	if err != nil {
		return n, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// ResetInputBuffer discards received bytes not yet read.
func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.port.ResetInputBuffer()
}

// Close closes the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.port.Close()
}

// Device returns the port name.
func (p *Port) Device() string {
	return p.device
}

// SetReadTimeout sets the read timeout.
func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		_ = p.port.SetReadTimeout(d)
	}
}
