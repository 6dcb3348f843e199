package serial

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BaudRate != 230400 {
		t.Errorf("BaudRate = %d, want 230400", cfg.BaudRate)
	}
	if cfg.DataBits != 8 || cfg.Parity != ParityNone || cfg.StopBits != 1 {
		t.Errorf("frame = %d%c%d, want 8N1", cfg.DataBits, cfg.Parity, cfg.StopBits)
	}
	if cfg.ReadTimeout != time.Second {
		t.Errorf("ReadTimeout = %v, want 1s", cfg.ReadTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing device", func(c *Config) { c.Device = "" }, true},
		{"nine data bits", func(c *Config) { c.DataBits = 9 }, true},
		{"mark parity", func(c *Config) { c.Parity = 'M' }, true},
		{"three stop bits", func(c *Config) { c.StopBits = 3 }, true},
		{"even parity two stop", func(c *Config) { c.Parity = ParityEven; c.StopBits = 2 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Device = "/dev/ttyACM0"
			tt.mutate(&cfg)
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	cfg := DefaultConfig()
	cfg.Device = TCPPrefix + ln.Addr().String()
	cfg.ReadTimeout = 50 * time.Millisecond
	link, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer link.Close()

	if link.Device() != cfg.Device {
		t.Errorf("Device() = %q, want %q", link.Device(), cfg.Device)
	}

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept")
	}
	defer server.Close()

	if _, err := link.Write([]byte("<STOP,,123,0,F,0,0,0>")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if got := string(buf[:n]); got != "<STOP,,123,0,F,0,0,0>" {
		t.Errorf("server got %q", got)
	}

	if _, err := link.Read(buf); !errors.Is(err, ErrTimeout) {
		t.Errorf("Read with no data: err = %v, want ErrTimeout", err)
	}

	if _, err := server.Write([]byte("<1,2,3,4,5,6>")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	n, err = link.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "<1,2,3,4,5,6>" {
		t.Errorf("Read got %q", got)
	}

	if err := link.ResetInputBuffer(); err != nil {
		t.Errorf("ResetInputBuffer: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := link.Read(buf); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after close: err = %v, want ErrClosed", err)
	}
	if _, err := link.Write(buf); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close: err = %v, want ErrClosed", err)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := DefaultConfig()
	cfg.Device = TCPPrefix + addr
	cfg.ConnectTimeout = 200 * time.Millisecond
	if _, err := Dial(context.Background(), cfg); err == nil {
		t.Fatal("Dial to closed listener succeeded")
	}
}

func TestDialMissingDevice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device = "/dev/does-not-exist-poseidon"
	if _, err := Dial(context.Background(), cfg); err == nil {
		t.Fatal("Dial of missing device succeeded")
	}
}
