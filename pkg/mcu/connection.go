// Connection lifecycle for the pump controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mcu

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/serial"
)

// DefaultSettleDelay is how long the controller needs after the port
// opens (the board resets on DTR) before it accepts commands.
const DefaultSettleDelay = 3 * time.Second

// Dialer opens a link to the controller.
type Dialer func(ctx context.Context, cfg serial.Config) (serial.Link, error)

// Config holds the connection parameters.
type Config struct {
	Serial      serial.Config
	SettleDelay time.Duration
	Pacing      time.Duration
	QueueSize   int
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		Serial:      serial.DefaultConfig(),
		SettleDelay: DefaultSettleDelay,
		Pacing:      DefaultPacing,
		QueueSize:   16,
	}
}

// Option configures a Connection.
type Option func(*Connection)

// WithObserver sets the observer notified of state changes.
func WithObserver(obs Observer) Option {
	return func(c *Connection) { c.obs = obs }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(c *Connection) { c.rec = rec }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithDialer replaces serial.Dial, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dial = d }
}

// WithChannelStates shares an existing state table with the connection.
func WithChannelStates(states *ChannelStates) Option {
	return func(c *Connection) { c.states = states }
}

type session struct {
	id       string
	link     serial.Link
	listener *Listener
	sender   *Sender
	fail     chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *session) failed(err error) {
	select {
	case s.fail <- err:
	default:
	}
}

// Connection owns one controller link at a time and moves it through
// disconnected, opening, connected and closing. Each successful open
// starts a new session with its own listener and sender; the session
// ends on Disconnect or when the link fails.
type Connection struct {
	cfg    Config
	dial   Dialer
	obs    Observer
	rec    Recorder
	logger *log.Logger
	states *ChannelStates

	// mu serializes transitions
	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
	motors  bool
	sess    *session
	port    string
}

// NewConnection creates a disconnected connection.
func NewConnection(cfg Config, opts ...Option) *Connection {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Pacing <= 0 {
		cfg.Pacing = DefaultPacing
	}
	c := &Connection{
		cfg:   cfg,
		dial:  serial.Dial,
		state: StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.obs == nil {
		c.obs = NopObserver{}
	}
	if c.rec == nil {
		c.rec = nopRecorder{}
	}
	if c.logger == nil {
		c.logger = log.GetLogger("connection")
	}
	if c.states == nil {
		c.states = NewChannelStates()
	}
	return c
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Connected reports whether commands can be sent.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// MotorsEnabled reports the last motor enable state sent.
func (c *Connection) MotorsEnabled() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.motors
}

// Session returns the current session ID, or "" when disconnected.
func (c *Connection) Session() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Port returns the device of the current or last link.
func (c *Connection) Port() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.port
}

// States returns the channel state table.
func (c *Connection) States() *ChannelStates {
	return c.states
}

// Config returns the connection configuration.
func (c *Connection) Config() Config {
	return c.cfg
}

// SetPort changes the device used by the next Connect.
func (c *Connection) SetPort(device string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateDisconnected {
		return perrors.InvalidRequest("cannot change port while %s", c.State())
	}
	c.cfg.Serial.Device = device
	return nil
}

func (c *Connection) setState(state State, sess *session, err error) {
	c.stateMu.Lock()
	c.state = state
	c.sess = sess
	port := c.port
	c.stateMu.Unlock()

	ev := ConnectionEvent{State: state, Port: port, Err: err}
	if sess != nil {
		ev.Session = sess.id
	}
	c.logger.WithFields(log.Fields{"state": string(state), "port": port}).Info("connection state changed")
	c.obs.ConnectionStateChanged(ev)
}

func (c *Connection) setMotors(enabled bool) {
	c.stateMu.Lock()
	changed := c.motors != enabled
	c.motors = enabled
	c.stateMu.Unlock()
	if changed {
		c.obs.MotorsStateChanged(enabled)
	}
}

// Connect opens the link, waits for the controller to settle and enables
// the motors. It fails with INVALID_REQUEST unless disconnected, and
// with CANNOT_CONNECT when the link cannot be opened or fails while
// settling; the connection is back to disconnected in that case.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != StateDisconnected {
		return perrors.InvalidRequest("connect: connection is %s", st)
	}
	device := c.cfg.Serial.Device
	if device == "" {
		return perrors.InvalidRequest("connect: no port selected")
	}

	c.stateMu.Lock()
	c.port = device
	c.stateMu.Unlock()
	c.setState(StateOpening, nil, nil)

	link, err := c.dial(ctx, c.cfg.Serial)
	if err != nil {
		cerr := perrors.CannotConnect(device, "open failed", err)
		c.setState(StateDisconnected, nil, cerr)
		c.obs.StatusLine("Cannot connect to " + device)
		return cerr
	}

	sess := &session{
		id:   uuid.NewString(),
		link: link,
		fail: make(chan error, 1),
		done: make(chan struct{}),
	}
	logger := c.logger.WithPrefix("session")
	sess.listener = NewListener(link, c.states, c.obs, c.rec, logger, sess.failed)
	sess.sender = NewSender(link, c.cfg.Pacing, c.cfg.QueueSize, c.rec, logger, sess.failed)
	sess.listener.Start()
	sess.sender.Start()

	abort := func(reason string, cause error) error {
		sess.listener.Stop()
		sess.sender.Stop()
		link.Close()
		cerr := perrors.CannotConnect(device, reason, cause)
		c.setState(StateDisconnected, nil, cerr)
		c.obs.StatusLine("Cannot connect to " + device)
		return cerr
	}

	if c.cfg.SettleDelay > 0 {
		timer := time.NewTimer(c.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return abort("cancelled while settling", ctx.Err())
		case err := <-sess.fail:
			timer.Stop()
			return abort("link failed while settling", err)
		}
	}

	if err := sess.sender.Send(ctx, protocol.EnableMotors(true)); err != nil {
		return abort("enable motors", err)
	}
	c.setMotors(true)

	watchCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	go c.watch(watchCtx, sess)

	c.setState(StateConnected, sess, nil)
	c.obs.StatusLine("Connected to " + device)
	return nil
}

// watch ends the session when the listener or sender reports a link
// failure.
func (c *Connection) watch(ctx context.Context, sess *session) {
	defer close(sess.done)
	select {
	case <-ctx.Done():
	case err := <-sess.fail:
		c.handleLinkLost(sess, err)
	}
}

func (c *Connection) handleLinkLost(sess *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.RLock()
	current := c.sess == sess
	c.stateMu.RUnlock()
	if !current {
		return
	}

	c.logger.WithError(err).Error("link lost")
	sess.listener.Stop()
	sess.sender.Stop()
	sess.link.Close()

	c.rec.LinkLost()
	c.setMotors(false)
	c.setState(StateDisconnected, nil, err)
	c.obs.StatusLine("Connection lost: " + c.Port())
}

// Disconnect disables the motors, waits for the controller to process
// it, and closes the link. Disconnecting an already disconnected
// connection is a no-op.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.RLock()
	sess := c.sess
	st := c.state
	c.stateMu.RUnlock()
	if st == StateDisconnected || sess == nil {
		return nil
	}

	// The watcher may be blocked on mu in handleLinkLost; it sees the
	// session is no longer current once we release it.
	sess.cancel()
	c.setState(StateClosing, sess, nil)

	var first error
	if err := sess.sender.Send(ctx, protocol.EnableMotors(false)); err != nil {
		first = err
	}
	c.setMotors(false)

	if first == nil && c.cfg.SettleDelay > 0 {
		timer := time.NewTimer(c.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if err := sess.listener.Stop(); err != nil && first == nil {
		first = err
	}
	sess.sender.Stop()
	if err := sess.link.Close(); err != nil && first == nil && !errors.Is(err, serial.ErrClosed) {
		first = err
	}

	c.setState(StateDisconnected, nil, first)
	c.obs.StatusLine("Disconnected from " + c.Port())
	return first
}

func (c *Connection) current() (*session, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.state != StateConnected || c.sess == nil {
		return nil, perrors.NotConnected("send")
	}
	return c.sess, nil
}

// Send writes cmds as one paced batch. It fails with NOT_CONNECTED
// unless the connection is connected.
func (c *Connection) Send(ctx context.Context, cmds ...protocol.Command) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	err = sess.sender.Send(ctx, cmds...)
	if errors.Is(err, ErrSenderStopped) {
		return perrors.NotConnected("send")
	}
	return err
}

// SendAsync queues cmds as one batch without waiting for it.
func (c *Connection) SendAsync(ctx context.Context, cmds ...protocol.Command) <-chan error {
	sess, err := c.current()
	if err != nil {
		ch := make(chan error, 1)
		ch <- err
		return ch
	}
	return sess.sender.SendAsync(ctx, cmds...)
}

// SetMotors enables or disables all motors.
func (c *Connection) SetMotors(ctx context.Context, enabled bool) error {
	if err := c.Send(ctx, protocol.EnableMotors(enabled)); err != nil {
		return err
	}
	c.setMotors(enabled)
	return nil
}

// ToggleMotors flips the motor enable state and returns the new state.
func (c *Connection) ToggleMotors(ctx context.Context) (bool, error) {
	enabled := !c.MotorsEnabled()
	if err := c.SetMotors(ctx, enabled); err != nil {
		return !enabled, err
	}
	return enabled, nil
}
