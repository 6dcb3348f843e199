// Package telemetry forwards connection events to an external store so
// other processes can follow a pump without holding the serial port.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/mcu"
)

// Config holds publisher options.
type Config struct {
	Channel   string
	History   int64
	QueueSize int

	// WriteTimeout bounds each store call
	WriteTimeout time.Duration
}

// DefaultConfig matches the [telemetry] defaults.
func DefaultConfig() Config {
	return Config{
		Channel:      "poseidon:events",
		History:      1000,
		QueueSize:    256,
		WriteTimeout: time.Second,
	}
}

// Publisher is an mcu.Observer that queues events and writes them to a
// Store from one goroutine. When the queue is full the event is dropped
// and OnDrop is called; the listener is never held up by the store.
type Publisher struct {
	*mcu.EventSink

	store  Store
	cfg    Config
	logger *log.Logger
	onDrop func()

	queue  chan mcu.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a publisher writing to store. onDrop may be nil.
func NewPublisher(store Store, cfg Config, logger *log.Logger, onDrop func()) *Publisher {
	def := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = log.GetLogger("telemetry")
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	p := &Publisher{
		store:  store,
		cfg:    cfg,
		logger: logger,
		onDrop: onDrop,
		queue:  make(chan mcu.Event, cfg.QueueSize),
	}
	p.EventSink = &mcu.EventSink{Emit: p.enqueue}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start launches the writer goroutine.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Close stops accepting events, writes what is queued and closes the
// store.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	return p.store.Close()
}

func (p *Publisher) enqueue(ev mcu.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.onDrop()
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for ev := range p.queue {
		if err := p.write(ev); err != nil {
			p.logger.WithError(err).WithField("type", ev.Type).Warn("publish failed")
		}
	}
}

func (p *Publisher) write(ev mcu.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.WriteTimeout)
	defer cancel()
	if err := p.store.Publish(ctx, p.cfg.Channel, payload); err != nil {
		return err
	}
	if ev.Session == "" {
		return nil
	}
	return p.store.Append(ctx, HistoryKey(ev.Session), payload, p.cfg.History)
}
