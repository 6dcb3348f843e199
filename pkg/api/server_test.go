package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/pump"
)

// fakeConn stands in for mcu.Connection on both sides: the API drives
// its lifecycle and the pump controller sends through it.
type fakeConn struct {
	mu         sync.Mutex
	state      mcu.State
	motors     bool
	port       string
	frames     []string
	states     *mcu.ChannelStates
	connectErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: mcu.StateDisconnected, port: "/dev/ttyACM0", states: mcu.NewChannelStates()}
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.state != mcu.StateDisconnected {
		return perrors.InvalidRequest("already %s", f.state)
	}
	f.state = mcu.StateConnected
	f.motors = true
	return nil
}

func (f *fakeConn) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = mcu.StateDisconnected
	f.motors = false
	return nil
}

func (f *fakeConn) State() mcu.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Session() string {
	if f.State() == mcu.StateConnected {
		return "session-1"
	}
	return ""
}

func (f *fakeConn) Port() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *fakeConn) SetPort(device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != mcu.StateDisconnected {
		return perrors.InvalidRequest("cannot change port while %s", f.state)
	}
	f.port = device
	return nil
}

func (f *fakeConn) MotorsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.motors
}

func (f *fakeConn) States() *mcu.ChannelStates { return f.states }

func (f *fakeConn) Send(ctx context.Context, cmds ...protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != mcu.StateConnected {
		return perrors.NotConnected("send")
	}
	for _, c := range cmds {
		f.frames = append(f.frames, string(protocol.Encode(c)))
	}
	return nil
}

func (f *fakeConn) SetMotors(ctx context.Context, enabled bool) error {
	if err := f.Send(ctx, protocol.EnableMotors(enabled)); err != nil {
		return err
	}
	f.mu.Lock()
	f.motors = enabled
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeConn) lastFrame() string {
	frames := f.sent()
	if len(frames) == 0 {
		return ""
	}
	return frames[len(frames)-1]
}

type requestCount struct {
	mu    sync.Mutex
	paths []string
}

func (r *requestCount) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, fmt.Sprintf("%s %s %d", method, path, status))
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	ctrl, err := pump.NewController(conn, pump.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	s := NewServer(DefaultConfig(), conn, ctrl, opts...)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, conn
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("GET /health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d", rec.Code)
	}
	var got statusResponse
	decode(t, rec, &got)
	if got.State != "disconnected" || got.Port != "/dev/ttyACM0" || got.Motors {
		t.Errorf("status = %+v", got)
	}
	if len(got.Channels) != protocol.NumChannels || got.Channels[2].Channel != 3 {
		t.Errorf("channels = %+v", got.Channels)
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/api/stop", "/api/pause", "/api/resume", "/api/zero", "/api/sequence"} {
		rec := do(t, s, http.MethodPost, path, "")
		if rec.Code != http.StatusConflict {
			t.Errorf("POST %s = %d, want 409", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "NOT_CONNECTED") {
			t.Errorf("POST %s body = %s", path, rec.Body.String())
		}
	}
}

func TestConnectSendsSettings(t *testing.T) {
	s, conn := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/connect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/connect = %d %s", rec.Code, rec.Body.String())
	}
	frames := conn.sent()
	if len(frames) != 2*protocol.NumChannels {
		t.Fatalf("frames = %q, want %d settings", frames, 2*protocol.NumChannels)
	}
	for _, f := range frames {
		if !strings.HasPrefix(f, "<SETTING,") {
			t.Errorf("frame %q is not a setting", f)
		}
	}

	rec = do(t, s, http.MethodPost, "/api/connect", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("second connect = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/disconnect", "")
	if rec.Code != http.StatusOK || conn.State() != mcu.StateDisconnected {
		t.Errorf("disconnect = %d, state %s", rec.Code, conn.State())
	}
}

func TestConnectFailure(t *testing.T) {
	s, conn := newTestServer(t)
	conn.connectErr = perrors.CannotConnect("/dev/ttyACM0", "no such device", errors.New("ENOENT"))
	rec := do(t, s, http.MethodPost, "/api/connect", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("POST /api/connect = %d, want 502", rec.Code)
	}
}

func connected(t *testing.T) (*Server, *fakeConn) {
	t.Helper()
	s, conn := newTestServer(t)
	if rec := do(t, s, http.MethodPost, "/api/connect", ""); rec.Code != http.StatusOK {
		t.Fatalf("connect = %d", rec.Code)
	}
	return s, conn
}

func TestRun(t *testing.T) {
	s, conn := connected(t)
	rec := do(t, s, http.MethodPost, "/api/run",
		`{"channels":[{"channel":1,"volume_ml":0.5,"speed_ml_h":3600}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/run = %d %s", rec.Code, rec.Body.String())
	}
	if f := conn.lastFrame(); !strings.HasPrefix(f, "<RUN,DIST,1,0,F,") {
		t.Errorf("last frame = %q, want RUN,DIST on channel 1", f)
	}
	var got struct {
		Targets []float64 `json:"targets"`
	}
	decode(t, rec, &got)
	if len(got.Targets) != protocol.NumChannels || got.Targets[0] <= 0 {
		t.Errorf("targets = %v", got.Targets)
	}
}

func TestMaskedCommands(t *testing.T) {
	s, conn := connected(t)
	tests := []struct {
		path, body, want string
	}{
		{"/api/stop", "", "<STOP,,123,0,F,0,0,0>"},
		{"/api/stop", `{"channels":[2]}`, "<STOP,,2,0,F,0,0,0>"},
		{"/api/pause", `{"channels":[1,3]}`, "<PAUSE,,13,0,F,0,0,0>"},
		{"/api/resume", "", "<RESUME,,123,0,F,0,0,0>"},
		{"/api/zero", `{"channels":[]}`, "<ZERO,,123,0,F,0,0,0>"},
	}
	for _, tt := range tests {
		rec := do(t, s, http.MethodPost, tt.path, tt.body)
		if rec.Code != http.StatusOK {
			t.Errorf("POST %s %s = %d %s", tt.path, tt.body, rec.Code, rec.Body.String())
			continue
		}
		if got := conn.lastFrame(); got != tt.want {
			t.Errorf("POST %s %s sent %q, want %q", tt.path, tt.body, got, tt.want)
		}
	}
}

func TestMotors(t *testing.T) {
	s, conn := connected(t)
	rec := do(t, s, http.MethodPost, "/api/motors", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/motors = %d", rec.Code)
	}
	if got := conn.lastFrame(); got != "<SETTING,ENABLE,123,0,F,0,0,0>" {
		t.Errorf("frame = %q", got)
	}
	if conn.MotorsEnabled() {
		t.Error("motors still enabled")
	}
}

func TestBadRequests(t *testing.T) {
	s, _ := connected(t)
	tests := []struct {
		name, path, body string
	}{
		{"run channel out of range", "/api/run", `{"channels":[{"channel":4,"volume_ml":1,"speed_ml_h":1}]}`},
		{"run zero flow", "/api/run", `{"channels":[{"channel":1,"volume_ml":1,"speed_ml_h":0}]}`},
		{"run missing channels", "/api/run", `{}`},
		{"run malformed", "/api/run", `{"channels":`},
		{"jog bad direction", "/api/jog", `{"channel":1,"direction":"X"}`},
		{"jog missing channel", "/api/jog", `{"direction":"F"}`},
		{"motors missing flag", "/api/motors", `{}`},
		{"stop channel out of range", "/api/stop", `{"channels":[0]}`},
		{"unknown syringe", "/api/settings", `{"channel":1,"syringe":"7 mL"}`},
		{"negative speed", "/api/settings", `{"channel":1,"speed":-1}`},
		{"settings channel out of range", "/api/settings", `{"channel":9}`},
		{"port while connected", "/api/port", `{"port":"/dev/ttyUSB0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("POST %s %s = %d %s, want 400", tt.path, tt.body, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestJog(t *testing.T) {
	s, conn := connected(t)
	rec := do(t, s, http.MethodPost, "/api/jog", `{"channel":2,"direction":"b"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/jog = %d %s", rec.Code, rec.Body.String())
	}
	if f := conn.lastFrame(); !strings.HasPrefix(f, "<RUN,DIST,2,0,F,0,-") {
		t.Errorf("jog frame = %q, want a negative target on channel 2", f)
	}
}

func TestUpdateSettings(t *testing.T) {
	s, conn := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/settings", `{"channel":2,"syringe":"10 mL BD","speed":50}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/settings = %d %s", rec.Code, rec.Body.String())
	}
	if len(conn.sent()) != 0 {
		t.Errorf("settings sent while disconnected: %q", conn.sent())
	}

	rec = do(t, s, http.MethodGet, "/api/settings", "")
	var got settingsResponse
	decode(t, rec, &got)
	ch := got.Channels[1]
	if ch.Syringe.Label != "10 mL BD" || ch.Speed != 50 {
		t.Errorf("channel 2 setup = %+v", ch)
	}
	if got.SpeedUnit != "mL/hr" {
		t.Errorf("speed unit = %q, want mL/hr", got.SpeedUnit)
	}

	do(t, s, http.MethodPost, "/api/connect", "")
	before := len(conn.sent())
	rec = do(t, s, http.MethodPost, "/api/settings", `{"channel":1,"acceleration":2}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"sent":true`) {
		t.Fatalf("POST /api/settings connected = %d %s", rec.Code, rec.Body.String())
	}
	if n := len(conn.sent()) - before; n != 2*protocol.NumChannels {
		t.Errorf("settings frames after update = %d, want %d", n, 2*protocol.NumChannels)
	}
}

func TestSetPortAndPorts(t *testing.T) {
	s, conn := newTestServer(t, WithPortLister(func() ([]string, error) {
		return []string{"/dev/ttyACM0", "/dev/ttyUSB0"}, nil
	}))
	rec := do(t, s, http.MethodPost, "/api/port", `{"port":"/dev/ttyUSB0"}`)
	if rec.Code != http.StatusOK || conn.Port() != "/dev/ttyUSB0" {
		t.Errorf("POST /api/port = %d, port %q", rec.Code, conn.Port())
	}
	rec = do(t, s, http.MethodGet, "/api/ports", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/dev/ttyUSB0") {
		t.Errorf("GET /api/ports = %d %s", rec.Code, rec.Body.String())
	}

	s2, _ := newTestServer(t)
	if rec := do(t, s2, http.MethodGet, "/api/ports", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /api/ports without lister = %d, want 404", rec.Code)
	}
}

func TestSyringes(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/syringes", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "10 mL BD") {
		t.Errorf("GET /api/syringes = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSequenceCancelledByStop(t *testing.T) {
	s, conn := connected(t)

	rec := do(t, s, http.MethodPost, "/api/sequence", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/sequence = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"order":[1,2,3]`) {
		t.Errorf("sequence body = %s", rec.Body.String())
	}
	if rec := do(t, s, http.MethodPost, "/api/sequence", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("second sequence = %d, want 400", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/run", `{"channels":[{"channel":2,"volume_ml":1,"speed_ml_h":1}]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("run during sequence = %d, want 400", rec.Code)
	}

	if rec := do(t, s, http.MethodPost, "/api/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("POST /api/stop = %d", rec.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.sequencing() {
		if time.Now().After(deadline) {
			t.Fatal("sequence still running after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	found := false
	for _, f := range conn.sent() {
		if strings.HasPrefix(f, "<RUN,DIST,1,") {
			found = true
		}
	}
	if !found {
		t.Errorf("sequence never started channel 1: %q", conn.sent())
	}
}

func TestSequenceCancelledByLinkLoss(t *testing.T) {
	s, conn := connected(t)
	obs := s.Observer()

	if rec := do(t, s, http.MethodPost, "/api/sequence", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/sequence = %d %s", rec.Code, rec.Body.String())
	}
	obs.ConnectionStateChanged(mcu.ConnectionEvent{State: mcu.StateConnected, Session: "session-1"})
	if !s.sequencing() {
		t.Fatal("sequence cancelled by a connected event")
	}

	conn.mu.Lock()
	conn.state = mcu.StateDisconnected
	conn.motors = false
	conn.mu.Unlock()
	obs.ConnectionStateChanged(mcu.ConnectionEvent{
		State: mcu.StateDisconnected,
		Port:  "/dev/ttyACM0",
		Err:   perrors.LinkLost("read", errors.New("device unplugged")),
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.sequencing() {
		if time.Now().After(deadline) {
			t.Fatal("sequence still running after link loss")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec := do(t, s, http.MethodPost, "/api/connect", ""); rec.Code != http.StatusOK {
		t.Fatalf("reconnect = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/run", `{"channels":[{"channel":2,"volume_ml":1,"speed_ml_h":1}]}`); rec.Code != http.StatusOK {
		t.Errorf("run after reconnect = %d %s, want 200", rec.Code, rec.Body.String())
	}
}

func TestRequestMetrics(t *testing.T) {
	rc := &requestCount{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("poseidon_up 1\n"))
	})
	s, _ := newTestServer(t, WithMetrics(rc, handler))

	do(t, s, http.MethodGet, "/api/status", "")
	do(t, s, http.MethodPost, "/api/stop", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if !bytes.Contains(rec.Body.Bytes(), []byte("poseidon_up 1")) {
		t.Errorf("GET /metrics = %s", rec.Body.String())
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	want := []string{"GET /api/status 200", "POST /api/stop 409", "GET /metrics 200"}
	if len(rc.paths) != len(want) {
		t.Fatalf("recorded %q, want %q", rc.paths, want)
	}
	for i := range want {
		if rc.paths[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, rc.paths[i], want[i])
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{perrors.NotConnected("send"), http.StatusConflict},
		{perrors.InvalidRequest("bad"), http.StatusBadRequest},
		{perrors.PreconditionViolation("area", 0, "> 0"), http.StatusBadRequest},
		{perrors.CannotConnect("/dev/x", "busy", nil), http.StatusBadGateway},
		{perrors.LinkLost("write", errors.New("EIO")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", perrors.NotConnected("send")), http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusCode(tt.err); got != tt.want {
			t.Errorf("statusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
