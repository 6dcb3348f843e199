package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/protocol"
)

// Compile-time checks
var (
	_ mcu.Recorder = (*PumpMetrics)(nil)
	_ mcu.Observer = (*PumpMetrics)(nil)
)

func TestRecorder(t *testing.T) {
	m := New()

	m.FrameDecoded(mcu.KindTelemetry)
	m.FrameDecoded(mcu.KindTelemetry)
	m.FrameDecoded(mcu.KindText)
	m.FramingError()
	m.CommandSent(protocol.OpRun)
	m.CommandSent(protocol.OpSetting)
	m.CommandSent(protocol.OpSetting)
	m.BatchSent(3, 300*time.Millisecond)
	m.LinkLost()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"telemetry frames", testutil.ToFloat64(m.FramesDecoded.WithLabelValues(mcu.KindTelemetry)), 2},
		{"text lines", testutil.ToFloat64(m.FramesDecoded.WithLabelValues(mcu.KindText)), 1},
		{"framing errors", testutil.ToFloat64(m.FramingErrors), 1},
		{"settings sent", testutil.ToFloat64(m.CommandsSent.WithLabelValues("SETTING")), 2},
		{"runs sent", testutil.ToFloat64(m.CommandsSent.WithLabelValues("RUN")), 1},
		{"link losses", testutil.ToFloat64(m.LinkLosses), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.BatchDuration); n != 1 {
		t.Errorf("batch histogram series = %d, want 1", n)
	}
}

func TestObserver(t *testing.T) {
	m := New()

	if got := testutil.ToFloat64(m.Connection.WithLabelValues("disconnected")); got != 1 {
		t.Errorf("initial disconnected gauge = %v, want 1", got)
	}

	m.ConnectionStateChanged(mcu.ConnectionEvent{State: mcu.StateConnected})
	if got := testutil.ToFloat64(m.Connection.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Connection.WithLabelValues("disconnected")); got != 0 {
		t.Errorf("disconnected gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Sessions); got != 1 {
		t.Errorf("sessions = %v, want 1", got)
	}

	m.MotorsStateChanged(true)
	if got := testutil.ToFloat64(m.MotorsEnabled); got != 1 {
		t.Errorf("motors gauge = %v, want 1", got)
	}

	var tel protocol.Telemetry
	tel.Axes[2] = protocol.AxisReport{Position: -1200, Remaining: 64}
	m.PositionUpdated(tel)
	if got := testutil.ToFloat64(m.Position.WithLabelValues("3")); got != -1200 {
		t.Errorf("channel 3 position = %v, want -1200", got)
	}
	if got := testutil.ToFloat64(m.Remaining.WithLabelValues("3")); got != 64 {
		t.Errorf("channel 3 remaining = %v, want 64", got)
	}

	m.StatusLine("hello")
	if got := testutil.ToFloat64(m.StatusLines); got != 1 {
		t.Errorf("status lines = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("GET", "/api/status", 200, 5*time.Millisecond)
	m.FramingError()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"poseidon_link_framing_errors_total 1",
		`poseidon_http_requests_total{method="GET",path="/api/status",status="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServer(t *testing.T) {
	m := New()
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Username = "admin"
	cfg.Password = "secret"
	s := NewServer(m, cfg)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())

	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/metrics", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "poseidon_motors_enabled") {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want 200", resp.StatusCode)
	}
}
