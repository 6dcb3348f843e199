// Websocket event feed
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/mcu"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxMessage   = 4096
)

// Hub pushes connection events to every websocket client. It is an
// mcu.Observer; events are queued per client and never block the
// caller. A client whose buffer is full is disconnected.
type Hub struct {
	*mcu.EventSink

	logger   *log.Logger
	upgrader websocket.Upgrader

	nextID  atomic.Int64
	mu      sync.RWMutex
	clients map[int64]*wsClient
}

// NewHub creates a hub. checkOrigin may be nil to accept any origin.
func NewHub(logger *log.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = log.GetLogger("api")
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h := &Hub{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		clients:  make(map[int64]*wsClient),
	}
	h.EventSink = &mcu.EventSink{Emit: h.Broadcast}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for every client.
func (h *Hub) Broadcast(ev mcu.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.send(ev) {
			h.logger.Warn("websocket client %d too slow, dropping", c.id)
			go h.remove(c)
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsClient{
		id:     h.nextID.Add(1),
		conn:   conn,
		sendCh: make(chan mcu.Event, clientBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("websocket client %d connected", c.id)

	go c.writePump(h.logger)
	c.readPump()
	h.remove(c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int64]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	if ok {
		h.logger.Debug("websocket client %d disconnected", c.id)
	}
}

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan mcu.Event
	done   chan struct{}
	once   sync.Once
}

// send queues ev and reports false when the buffer is full.
func (c *wsClient) send(ev mcu.Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.sendCh <- ev:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards client messages and keeps the read deadline fresh.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump(logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case ev := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Debug("websocket client %d write failed: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
