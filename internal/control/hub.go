package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tools.zach/dev/xblbeacon/internal/presence"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	// sendBuffer is how many messages a client may fall behind before it is
	// dropped.
	sendBuffer = 32
)

// Message is one frame on the event stream.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TypeConnected is the first message every stream client receives.
const TypeConnected = "connected"

var upgrader = websocket.Upgrader{
	// Every request already carries the control token.
	CheckOrigin: func(*http.Request) bool { return true },
}

type hubClient struct {
	send chan []byte
}

// Hub fans engine notifications out to websocket clients. It implements
// [presence.Notifier]; Notify never blocks, slow clients are disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Notify broadcasts n to every connected client.
func (h *Hub) Notify(n presence.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		slog.Warn("encoding notification failed", "error", err)
		return
	}
	msg, err := json.Marshal(Message{Type: string(n.Kind), Timestamp: n.Time, Data: data})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Debug("dropping slow event stream client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// serveWS upgrades the request and streams notifications until the client
// goes away.
func (h *Hub) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("event stream upgrade failed", "error", err)
		return
	}

	client := &hubClient{send: make(chan []byte, sendBuffer)}
	hello, _ := json.Marshal(Message{Type: TypeConnected, Timestamp: time.Now()})
	client.send <- hello
	if !h.add(client) {
		conn.Close()
		return
	}
	slog.Debug("event stream client connected", "clients", h.ClientCount())

	go h.writePump(conn, client)
	h.readPump(conn)
	h.remove(client)
	slog.Debug("event stream client disconnected", "clients", h.ClientCount())
}

// readPump discards client messages and keeps the read deadline fresh.
func (h *Hub) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
