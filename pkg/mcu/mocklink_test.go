package mcu

import (
	"context"
	"sync"
	"time"

	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/serial"
)

// mockLink is an in-memory serial.Link. Reads time out after a few
// milliseconds when no input is queued.
type mockLink struct {
	mu       sync.Mutex
	pending  []byte
	frames   []string
	times    []time.Time
	resets   int
	writeErr error

	in      chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once
}

func newMockLink() *mockLink {
	return &mockLink{
		in:      make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (m *mockLink) Read(p []byte) (int, error) {
	m.mu.Lock()
	if len(m.pending) > 0 {
		n := copy(p, m.pending)
		m.pending = m.pending[n:]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	select {
	case b := <-m.in:
		n := copy(p, b)
		if n < len(b) {
			m.mu.Lock()
			m.pending = append(m.pending, b[n:]...)
			m.mu.Unlock()
		}
		return n, nil
	case err := <-m.readErr:
		return 0, err
	case <-m.closed:
		return 0, serial.ErrClosed
	case <-time.After(5 * time.Millisecond):
		return 0, serial.ErrTimeout
	}
}

func (m *mockLink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.frames = append(m.frames, string(p))
	m.times = append(m.times, time.Now())
	return len(p), nil
}

func (m *mockLink) ResetInputBuffer() error {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
	return nil
}

func (m *mockLink) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockLink) Device() string { return "mock" }

func (m *mockLink) feed(s string) { m.in <- []byte(s) }

func (m *mockLink) fail(err error) { m.readErr <- err }

func (m *mockLink) setWriteErr(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

func (m *mockLink) written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

func (m *mockLink) writeTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.times...)
}

func (m *mockLink) resetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func mockDialer(link *mockLink) Dialer {
	return func(ctx context.Context, cfg serial.Config) (serial.Link, error) {
		return link, nil
	}
}

func frame(c protocol.Command) string {
	return string(protocol.Encode(c))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// eventLog records observer callbacks.
type eventLog struct {
	mu        sync.Mutex
	states    []State
	errs      []error
	motors    []bool
	positions []protocol.Telemetry
	lines     []string
}

func (e *eventLog) ConnectionStateChanged(ev ConnectionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, ev.State)
	e.errs = append(e.errs, ev.Err)
}

func (e *eventLog) MotorsStateChanged(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.motors = append(e.motors, enabled)
}

func (e *eventLog) PositionUpdated(t protocol.Telemetry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = append(e.positions, t)
}

func (e *eventLog) StatusLine(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines = append(e.lines, text)
}

func (e *eventLog) stateList() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.states...)
}

func (e *eventLog) lineList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.lines...)
}

func (e *eventLog) motorList() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.motors...)
}

func (e *eventLog) positionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// countingRecorder counts recorder callbacks.
type countingRecorder struct {
	mu       sync.Mutex
	frames   map[string]int
	framing  int
	commands int
	batches  int
	lost     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{frames: make(map[string]int)}
}

func (r *countingRecorder) FrameDecoded(kind string) {
	r.mu.Lock()
	r.frames[kind]++
	r.mu.Unlock()
}

func (r *countingRecorder) FramingError() {
	r.mu.Lock()
	r.framing++
	r.mu.Unlock()
}

func (r *countingRecorder) CommandSent(protocol.Operation) {
	r.mu.Lock()
	r.commands++
	r.mu.Unlock()
}

func (r *countingRecorder) BatchSent(int, time.Duration) {
	r.mu.Lock()
	r.batches++
	r.mu.Unlock()
}

func (r *countingRecorder) LinkLost() {
	r.mu.Lock()
	r.lost++
	r.mu.Unlock()
}

func (r *countingRecorder) get(fn func(*countingRecorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r)
}
