package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/pump"
)

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/websocket", gin.WrapH(s.hub))
	if s.metricsRoute != nil {
		r.GET("/metrics", gin.WrapH(s.metricsRoute))
	}

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/settings", s.handleSettings)
	api.POST("/settings", s.handleUpdateSettings)
	api.GET("/syringes", s.handleSyringes)
	api.GET("/ports", s.handlePorts)
	api.POST("/port", s.handleSetPort)

	api.POST("/connect", s.handleConnect)
	api.POST("/disconnect", s.handleDisconnect)
	api.POST("/motors", s.handleMotors)

	api.POST("/run", s.handleRun)
	api.POST("/sequence", s.handleSequence)
	api.POST("/jog", s.handleJog)
	api.POST("/stop", s.handleStop)
	api.POST("/pause", s.maskHandler(s.pumpOp(Pump.Pause)))
	api.POST("/resume", s.maskHandler(s.pumpOp(Pump.Resume)))
	api.POST("/zero", s.maskHandler(s.pumpOp(Pump.Zero)))
}

// statusCode maps host error codes to HTTP statuses.
func statusCode(err error) int {
	code, ok := perrors.CodeOf(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch code {
	case perrors.ErrNotConnected:
		return http.StatusConflict
	case perrors.ErrInvalidRequest, perrors.ErrPrecondition,
		perrors.ErrConfigOption, perrors.ErrConfigValidation, perrors.ErrConfigType:
		return http.StatusBadRequest
	case perrors.ErrCannotConnect:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if code, ok := perrors.CodeOf(err); ok {
		body["code"] = code
	}
	c.JSON(statusCode(err), body)
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

type statusResponse struct {
	State      string               `json:"state"`
	Session    string               `json:"session,omitempty"`
	Port       string               `json:"port"`
	Motors     bool                 `json:"motors"`
	Sequencing bool                 `json:"sequencing"`
	Clients    int                  `json:"websocket_clients"`
	Channels   []pump.ChannelStatus `json:"channels"`
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.pump.Status()
	c.JSON(http.StatusOK, statusResponse{
		State:      string(s.conn.State()),
		Session:    s.conn.Session(),
		Port:       s.conn.Port(),
		Motors:     s.conn.MotorsEnabled(),
		Sequencing: s.sequencing(),
		Clients:    s.hub.Clients(),
		Channels:   st[:],
	})
}

type settingsResponse struct {
	SpeedUnit   string              `json:"speed_unit"`
	AccelUnit   string              `json:"accel_unit"`
	JogDistance float64             `json:"jog_distance_mm"`
	JogSpeed    float64             `json:"jog_speed_mm_s"`
	RelativeJog bool                `json:"relative_jog"`
	Channels    []pump.ChannelSetup `json:"channels"`
}

func (s *Server) handleSettings(c *gin.Context) {
	set := s.pump.Settings()
	c.JSON(http.StatusOK, settingsResponse{
		SpeedUnit:   set.SpeedUnit.String(),
		AccelUnit:   set.AccelUnit.String(),
		JogDistance: set.JogDistance,
		JogSpeed:    set.JogSpeed,
		RelativeJog: set.RelativeJog,
		Channels:    set.Channels[:],
	})
}

type channelUpdate struct {
	Channel          int      `json:"channel" binding:"required"`
	Syringe          *string  `json:"syringe"`
	Speed            *float64 `json:"speed"`
	Volume           *float64 `json:"volume_ml"`
	Acceleration     *float64 `json:"acceleration"`
	SequencePosition *int     `json:"sequence_position"`
}

// handleUpdateSettings changes one channel's setup and pushes the new
// speeds and accelerations when connected.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req channelUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, perrors.InvalidRequest("bad settings request: %v", err))
		return
	}
	if req.Channel < 1 || req.Channel > protocol.NumChannels {
		writeError(c, perrors.InvalidRequest("channel %d out of range 1-%d", req.Channel, protocol.NumChannels))
		return
	}
	setup := s.pump.Settings().Channels[req.Channel-1]
	if req.Syringe != nil {
		syr, ok := s.catalog.Lookup(*req.Syringe)
		if !ok {
			writeError(c, perrors.InvalidRequest("unknown syringe %q", *req.Syringe))
			return
		}
		setup.Syringe = syr
	}
	if req.Speed != nil {
		setup.Speed = *req.Speed
	}
	if req.Volume != nil {
		setup.Volume = *req.Volume
	}
	if req.Acceleration != nil {
		setup.Acceleration = *req.Acceleration
	}
	if req.SequencePosition != nil {
		setup.SequencePosition = *req.SequencePosition
	}
	if setup.Speed <= 0 || setup.Volume < 0 || setup.Acceleration <= 0 {
		writeError(c, perrors.InvalidRequest("speed and acceleration must be positive and volume non-negative"))
		return
	}
	if err := s.pump.UpdateChannel(req.Channel, setup); err != nil {
		writeError(c, err)
		return
	}

	sent := false
	if s.conn.State() == mcu.StateConnected {
		ctx, cancel := s.requestContext(c)
		defer cancel()
		if err := s.pump.SendSettings(ctx); err != nil {
			writeError(c, err)
			return
		}
		sent = true
	}
	c.JSON(http.StatusOK, gin.H{"channel": setup, "sent": sent})
}

func (s *Server) handleSyringes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"syringes": s.catalog.Syringes()})
}

func (s *Server) handlePorts(c *gin.Context) {
	if s.listPorts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "port listing not available"})
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

func (s *Server) handleSetPort(c *gin.Context) {
	var req struct {
		Port string `json:"port" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, perrors.InvalidRequest("bad port request: %v", err))
		return
	}
	if err := s.conn.SetPort(req.Port); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"port": s.conn.Port()})
}

// handleConnect opens the link and pushes the channel settings.
func (s *Server) handleConnect(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.conn.Connect(ctx); err != nil {
		writeError(c, err)
		return
	}
	sctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.pump.SendSettings(sctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.conn.State(), "session": s.conn.Session()})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	s.cancelSequence()
	if err := s.conn.Disconnect(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.conn.State()})
}

func (s *Server) handleMotors(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, perrors.InvalidRequest("bad motors request: %v", err))
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.pump.SetMotors(ctx, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"motors": s.conn.MotorsEnabled()})
}

func (s *Server) handleRun(c *gin.Context) {
	var req struct {
		Channels []pump.ChannelRun `json:"channels" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, perrors.InvalidRequest("bad run request: %v", err))
		return
	}
	if s.sequencing() {
		writeError(c, perrors.InvalidRequest("a sequence is running"))
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	targets, err := s.pump.Run(ctx, req.Channels)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

type maskRequest struct {
	// Channels lists the addressed channels; empty means all.
	Channels []int `json:"channels"`
}

func (r maskRequest) mask() (protocol.ChannelMask, error) {
	for _, ch := range r.Channels {
		if ch < 1 || ch > protocol.NumChannels {
			return 0, perrors.InvalidRequest("channel %d out of range 1-%d", ch, protocol.NumChannels)
		}
	}
	return protocol.MaskOf(r.Channels...), nil
}

// bindMask reads an optional {"channels": [...]} body.
func bindMask(c *gin.Context) (protocol.ChannelMask, error) {
	var req maskRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return 0, perrors.InvalidRequest("bad request body: %v", err)
		}
	}
	return req.mask()
}

func (s *Server) pumpOp(op func(Pump, context.Context, protocol.ChannelMask) error) func(context.Context, protocol.ChannelMask) error {
	return func(ctx context.Context, mask protocol.ChannelMask) error {
		return op(s.pump, ctx, mask)
	}
}

func (s *Server) maskHandler(fn func(context.Context, protocol.ChannelMask) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		mask, err := bindMask(c)
		if err != nil {
			writeError(c, err)
			return
		}
		ctx, cancel := s.requestContext(c)
		defer cancel()
		if err := fn(ctx, mask); err != nil {
			writeError(c, err)
			return
		}
		if mask == 0 {
			mask = protocol.MaskAll
		}
		c.JSON(http.StatusOK, gin.H{"channels": mask.Channels()})
	}
}

// handleStop aborts a running sequence before stopping the channels.
func (s *Server) handleStop(c *gin.Context) {
	s.cancelSequence()
	s.maskHandler(s.pumpOp(Pump.Stop))(c)
}

func (s *Server) handleJog(c *gin.Context) {
	var req struct {
		Channel   int    `json:"channel" binding:"required"`
		Direction string `json:"direction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, perrors.InvalidRequest("bad jog request: %v", err))
		return
	}
	dir, err := protocol.ParseDirection(req.Direction)
	if err != nil {
		writeError(c, perrors.InvalidRequest("%v", err))
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.pump.Jog(ctx, req.Channel, dir); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": req.Channel, "direction": dir})
}

// handleSequence starts a sequenced run in the background. Completion
// and failure are reported on the websocket feed.
func (s *Server) handleSequence(c *gin.Context) {
	mask, err := bindMask(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.conn.State() != mcu.StateConnected {
		writeError(c, perrors.NotConnected("sequence"))
		return
	}

	s.seqMu.Lock()
	if s.seqCancel != nil {
		s.seqMu.Unlock()
		writeError(c, perrors.InvalidRequest("a sequence is already running"))
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.seqCancel = cancel
	s.seqWG.Add(1)
	s.seqMu.Unlock()

	go func() {
		defer s.seqWG.Done()
		defer cancel()
		err := s.pump.RunSequence(ctx, mask)
		s.seqMu.Lock()
		s.seqCancel = nil
		s.seqMu.Unlock()
		switch {
		case err == nil:
			s.hub.StatusLine("Sequence finished")
		case ctx.Err() != nil:
			s.hub.StatusLine("Sequence cancelled")
		default:
			s.logger.WithError(err).Warn("sequence failed")
			s.hub.StatusLine("Sequence failed: " + err.Error())
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"order": s.sequenceOrder(mask)})
}

func (s *Server) sequenceOrder(mask protocol.ChannelMask) []int {
	if mask == 0 {
		mask = protocol.MaskAll
	}
	return s.pump.SequenceOrder(mask)
}

func (s *Server) sequencing() bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seqCancel != nil
}

func (s *Server) cancelSequence() {
	s.seqMu.Lock()
	cancel := s.seqCancel
	s.seqMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
