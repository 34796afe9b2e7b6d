package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSMessage is one event pushed to websocket clients
type WSMessage struct {
	Type    string      `json:"type"`
	Serial  string      `json:"serial,omitempty"`
	Payload interface{} `json:"payload"`
}

// WSClient is a connected websocket client. A client with a serial only
// receives events of that device.
type WSClient struct {
	ID     string
	Serial string
	Conn   *websocket.Conn
	Send   chan []byte

	hub        *Hub
	closedOnce sync.Once
}

type broadcastMsg struct {
	serial  string
	message []byte
}

// Hub fans sync and upload events out to websocket clients
type Hub struct {
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan *broadcastMsg
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a websocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan *broadcastMsg, 256),
		done:       make(chan struct{}),
	}
}

// Run services the hub until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debug().Str("client", client.ID).Str("serial", client.Serial).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			log.Debug().Str("client", client.ID).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.Serial != "" && client.Serial != msg.serial {
					continue
				}
				select {
				case client.Send <- msg.message:
				default:
					// Client buffer full, drop it
					go h.remove(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewClient creates a client bound to this hub
func (h *Hub) NewClient(id, serial string, conn *websocket.Conn) *WSClient {
	return &WSClient{
		ID:     id,
		Serial: serial,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		hub:    h,
	}
}

// Register adds a client to the hub. It reports false once the hub stopped.
func (h *Hub) Register(client *WSClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(client *WSClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every interested client
func (h *Hub) Broadcast(msgType, serial string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: msgType, Serial: serial, Payload: payload})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal websocket message")
		return
	}

	select {
	case h.broadcast <- &broadcastMsg{serial: serial, message: data}:
	default:
		log.Warn().Str("type", msgType).Msg("WebSocket broadcast queue full, event dropped")
	}
}

// Close closes the client connection
func (c *WSClient) Close() {
	c.closedOnce.Do(func() {
		go c.hub.remove(c)
		c.Conn.Close()
	})
}

// WritePump pumps messages from the hub to the websocket connection
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump discards client messages and detects disconnects
func (c *WSClient) ReadPump() {
	defer c.Close()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("client", c.ID).Msg("WebSocket error")
			}
			return
		}
	}
}
