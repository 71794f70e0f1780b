package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the bundled UI origin or from tools,
	// auth happens at the API-key middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected WebSocket consumer.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes bus events to WebSocket clients. Frames carry the JSON
// encoding of Event; clients that stop reading are dropped.
type Hub struct {
	bus *Bus
	log zerolog.Logger

	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient

	cancelSub func()
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewHub wires a hub to the bus and starts its dispatch loop.
func NewHub(bus *Bus, log zerolog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		log:        log.With().Str("component", "events-ws").Logger(),
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stop:       make(chan struct{}),
	}
	events, cancel := bus.Subscribe()
	h.cancelSub = cancel
	go h.run(events)
	return h
}

func (h *Hub) run(events <-chan Event) {
	for {
		select {
		case <-h.stop:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case ev, ok := <-events:
			if !ok {
				// The hub itself fell behind the bus. Resubscribe so UI
				// clients keep getting fresh events.
				newEvents, cancel := h.bus.Subscribe()
				h.cancelSub = cancel
				events = newEvents
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to marshal event")
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Shutdown disconnects all clients and detaches from the bus.
func (h *Hub) Shutdown(_ context.Context) {
	h.stopOnce.Do(func() {
		h.cancelSub()
		close(h.stop)
	})
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 32)}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
