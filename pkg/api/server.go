// Package api serves the remote control surface of the pump host: a JSON
// HTTP API over gin and a websocket event feed.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/pump"
	"poseidon-go-host/pkg/units"
)

// Connection is the part of mcu.Connection the API drives.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() mcu.State
	Session() string
	Port() string
	SetPort(device string) error
	MotorsEnabled() bool
}

// Pump is the part of pump.Controller the API drives.
type Pump interface {
	Run(ctx context.Context, runs []pump.ChannelRun) ([protocol.NumChannels]float64, error)
	RunSequence(ctx context.Context, mask protocol.ChannelMask) error
	SequenceOrder(mask protocol.ChannelMask) []int
	Jog(ctx context.Context, ch int, dir protocol.Direction) error
	Stop(ctx context.Context, mask protocol.ChannelMask) error
	Pause(ctx context.Context, mask protocol.ChannelMask) error
	Resume(ctx context.Context, mask protocol.ChannelMask) error
	Zero(ctx context.Context, mask protocol.ChannelMask) error
	SetMotors(ctx context.Context, enabled bool) error
	Settings() pump.Settings
	UpdateChannel(ch int, setup pump.ChannelSetup) error
	SendSettings(ctx context.Context) error
	Status() [protocol.NumChannels]pump.ChannelStatus
}

// HTTPRecorder counts served requests. metrics.PumpMetrics implements it.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// Config holds server options.
type Config struct {
	Addr        string
	CORSOrigins []string

	// RequestTimeout bounds command requests; sequences are not bound.
	RequestTimeout time.Duration
}

// DefaultConfig returns a loopback server on port 7125.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:7125",
		CORSOrigins:    []string{"*"},
		RequestTimeout: 10 * time.Second,
	}
}

// Server is the HTTP front of one pump.
type Server struct {
	cfg     Config
	conn    Connection
	pump    Pump
	catalog *units.Catalog
	hub     *Hub
	logger  *log.Logger
	started time.Time

	metrics      HTTPRecorder
	metricsRoute http.Handler
	listPorts    func() ([]string, error)

	router *gin.Engine
	http   *http.Server

	// lifetime of background sequences
	ctx    context.Context
	cancel context.CancelFunc

	seqMu     sync.Mutex
	seqCancel context.CancelFunc
	seqWG     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records requests on rec and serves handler at /metrics.
func WithMetrics(rec HTTPRecorder, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = rec
		s.metricsRoute = handler
	}
}

// WithCatalog sets the syringe catalog used to resolve sizes.
func WithCatalog(c *units.Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithPortLister enables GET /api/ports.
func WithPortLister(fn func() ([]string, error)) Option {
	return func(s *Server) { s.listPorts = fn }
}

// WithLogger sets the server logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the router. Observer must be registered with the
// connection for the websocket feed to receive events.
func NewServer(cfg Config, conn Connection, p Pump, opts ...Option) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	s := &Server{
		cfg:     cfg,
		conn:    conn,
		pump:    p,
		catalog: units.DefaultCatalog(),
		logger:  log.GetLogger("api"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.hub = NewHub(s.logger, s.checkOrigin)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	if s.metrics != nil {
		r.Use(requestMetrics(s.metrics))
	}
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	s.router = r
	s.routes()
	return s
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return len(s.cfg.CORSOrigins) == 0
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Observer returns the server's connection observer. It feeds the
// websocket hub and cancels a running sequence when the session ends.
func (s *Server) Observer() mcu.Observer {
	return mcu.NewObservers(s.hub, mcu.ObserverFuncs{
		OnConnectionStateChanged: func(ev mcu.ConnectionEvent) {
			if ev.State != mcu.StateConnected {
				s.cancelSequence()
			}
		},
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("api server stopped")
		}
	}()
	s.logger.Info("api listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown cancels running sequences, closes websocket clients and stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.seqWG.Wait()
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(l *log.Logger) gin.HandlerFunc {
	zl := l.Zerolog()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := zl.Debug()
		if status >= 500 {
			event = zl.Error()
		} else if status >= 400 {
			event = zl.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

func requestMetrics(rec HTTPRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rec.RecordHTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
