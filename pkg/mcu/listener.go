package mcu

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/protocol"
	"poseidon-go-host/pkg/serial"
)

// Listener reads the link for the lifetime of a session. Telemetry
// frames update the channel states; every other frame or text line is
// passed to the observer as a status line.
//
// Stop is cooperative: the goroutine checks for cancellation between
// reads, so stopping takes at most one read timeout.
type Listener struct {
	dec       *protocol.Decoder
	states    *ChannelStates
	obs       Observer
	rec       Recorder
	logger    *log.Logger
	onFailure func(error)
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
}

// NewListener creates a listener reading from r, which must return
// serial.ErrTimeout when a read times out. onFailure is called with a
// LINK_LOST error when the link fails; it must not block.
func NewListener(r io.Reader, states *ChannelStates, obs Observer, rec Recorder, logger *log.Logger, onFailure func(error)) *Listener {
	if obs == nil {
		obs = NopObserver{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = log.GetLogger("listener")
	}
	if onFailure == nil {
		onFailure = func(error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		dec:       protocol.NewDecoder(r),
		states:    states,
		obs:       obs,
		rec:       rec,
		logger:    logger,
		onFailure: onFailure,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the background read goroutine.
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.readLoop()
}

// Stop stops the listener and waits for the goroutine to exit. It
// returns the link error that ended the listener, if any.
func (l *Listener) Stop() error {
	l.cancel()
	l.wg.Wait()
	return l.err
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		item, err := l.dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, serial.ErrTimeout):
				continue
			case perrors.Is(err, perrors.ErrFraming):
				l.rec.FramingError()
				l.logger.Debug("discarded frame: %v", err)
				continue
			}
			if l.ctx.Err() != nil {
				return
			}
			l.err = perrors.LinkLost("read", err)
			l.logger.Error("read failed: %v", err)
			l.onFailure(l.err)
			return
		}
		l.dispatch(item)
	}
}

func (l *Listener) dispatch(item protocol.Item) {
	if item.Kind == protocol.ItemFrame {
		if t, err := protocol.ParseTelemetry(item.Fields); err == nil {
			l.states.Apply(t, l.now())
			l.rec.FrameDecoded(KindTelemetry)
			l.obs.PositionUpdated(t)
			return
		}
		l.rec.FrameDecoded(KindFrame)
	} else {
		l.rec.FrameDecoded(KindText)
	}
	l.obs.StatusLine(item.Raw)
}
