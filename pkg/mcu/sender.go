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
)

// ErrSenderStopped is returned for batches that were not sent because
// the sender shut down.
var ErrSenderStopped = errors.New("mcu: sender stopped")

// DefaultPacing is the gap the firmware needs between two commands.
const DefaultPacing = 100 * time.Millisecond

// Writer is the write side of a link.
type Writer interface {
	io.Writer
	ResetInputBuffer() error
}

type batch struct {
	ctx  context.Context
	cmds []protocol.Command
	done chan error
}

// Sender owns the write side of the link. A single goroutine takes
// batches from a queue and, for each command in order, writes the frame,
// discards stale input and waits the pacing delay. Batches never
// interleave.
type Sender struct {
	w         Writer
	pacing    time.Duration
	queue     chan *batch
	rec       Recorder
	logger    *log.Logger
	onFailure func(error)

	// mu guards stopped; SendAsync holds it shared while enqueueing
	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a sender writing to w. onFailure is called (from the
// sender goroutine) with a LINK_LOST error when a write fails; it must
// not block.
func NewSender(w Writer, pacing time.Duration, queueSize int, rec Recorder, logger *log.Logger, onFailure func(error)) *Sender {
	if queueSize <= 0 {
		queueSize = 16
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = log.GetLogger("sender")
	}
	if onFailure == nil {
		onFailure = func(error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		w:         w,
		pacing:    pacing,
		queue:     make(chan *batch, queueSize),
		rec:       rec,
		logger:    logger,
		onFailure: onFailure,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the sender goroutine.
func (s *Sender) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop lets the batch in progress finish its current command, fails the
// queued batches with ErrSenderStopped and waits for the goroutine.
func (s *Sender) Stop() {
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
	s.drain()
}

func (s *Sender) drain() {
	for {
		select {
		case b := <-s.queue:
			b.done <- ErrSenderStopped
		default:
			return
		}
	}
}

// Send queues cmds as one batch and waits until it has been written.
// Cancelling ctx stops the batch between two commands, never during a
// write.
func (s *Sender) Send(ctx context.Context, cmds ...protocol.Command) error {
	done := s.SendAsync(ctx, cmds...)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAsync queues cmds as one batch. The returned channel receives the
// batch result.
func (s *Sender) SendAsync(ctx context.Context, cmds ...protocol.Command) <-chan error {
	b := &batch{ctx: ctx, cmds: cmds, done: make(chan error, 1)}
	if len(cmds) == 0 {
		b.done <- nil
		return b.done
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		b.done <- ErrSenderStopped
		return b.done
	}
	select {
	case s.queue <- b:
	case <-ctx.Done():
		b.done <- ctx.Err()
	case <-s.ctx.Done():
		b.done <- ErrSenderStopped
	}
	return b.done
}

func (s *Sender) loop() {
	defer s.wg.Done()

	for {
		select {
		case b := <-s.queue:
			b.done <- s.run(b)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Sender) run(b *batch) error {
	start := time.Now()
	for i, cmd := range b.cmds {
		if err := b.ctx.Err(); err != nil {
			return err
		}
		if s.ctx.Err() != nil {
			return ErrSenderStopped
		}

		frame := protocol.Encode(cmd)
		if _, err := s.w.Write(frame); err != nil {
			lost := perrors.LinkLost("write", err)
			s.onFailure(lost)
			return lost
		}
		if err := s.w.ResetInputBuffer(); err != nil {
			lost := perrors.LinkLost("input flush", err)
			s.onFailure(lost)
			return lost
		}
		s.rec.CommandSent(cmd.Op)
		s.logger.Debug("sent %s", frame)

		// The pacing gap is a firmware requirement and also applies
		// after the last command of a batch.
		timer := time.NewTimer(s.pacing)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			if i < len(b.cmds)-1 {
				return ErrSenderStopped
			}
		}
	}
	s.rec.BatchSent(len(b.cmds), time.Since(start))
	return nil
}
