package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"camsync/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	// the dashboard UI is served from the device or relay origin, not ours
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// VisibilitySink receives page visibility reported by the browser.
type VisibilitySink interface {
	SetVisible(visible bool)
}

// wireEvent is the frame pushed to the browser for every bus event.
type wireEvent struct {
	Type models.EventKind `json:"type"`
	Data models.Event     `json:"data"`
}

// inboundMessage is what the browser sends.
type inboundMessage struct {
	Type    string `json:"type"`
	Visible *bool  `json:"visible,omitempty"`
}

type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans bus events out to connected browsers and feeds their
// visibility reports back to the tab coordinator.
type WebSocketHub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	visibility VisibilitySink
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewWebSocketHub creates the hub. visibility may be nil.
func NewWebSocketHub(visibility VisibilitySink, logger *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		visibility: visibility,
		logger:     logger,
	}
}

// Run serves registrations until ctx ends. A hub cannot be run twice.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Dashboard client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Dashboard client disconnected", zap.Int("total", total))
		}
	}
}

// ClientCount returns the number of connected browsers.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastEvent sends one bus event to every connected client. Slow clients
// lose their oldest queued frame.
func (h *WebSocketHub) BroadcastEvent(event models.Event) {
	messageBytes, err := json.Marshal(wireEvent{Type: event.Kind(), Data: event})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("kind", string(event.Kind())), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- messageBytes:
		default:
			select {
			case <-client.send:
			default:
			}
			select {
			case client.send <- messageBytes:
			default:
				h.logger.Warn("Client channel full, skipping event", zap.String("kind", string(event.Kind())))
			}
		}
	}
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case client.hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles visibility reports from the browser
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket error", zap.Error(err))
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed client message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "visibility":
			if msg.Visible == nil || c.hub.visibility == nil {
				continue
			}
			c.hub.logger.Debug("Page visibility changed", zap.Bool("visible", *msg.Visible))
			c.hub.visibility.SetVisible(*msg.Visible)
		default:
			c.hub.logger.Debug("Ignoring client message", zap.String("type", msg.Type))
		}
	}
}

// writePump sends queued events and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
