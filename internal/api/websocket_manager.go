package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 32
)

// wsClient is one live socket. A user may hold several, one per device.
type wsClient struct {
	id     uuid.UUID
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
}

// WSEvent is the frame pushed to clients.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketManager tracks live connections per user and pushes domain events to them. It is
// registered with the notify dispatcher as the "websocket" sink.
type WebSocketManager struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*wsClient]struct{}
	closed  bool
}

// NewWebSocketManager accepts upgrades from allowedOrigins. An empty list or "*" allows any
// origin.
func NewWebSocketManager(allowedOrigins []string, logger *zap.Logger) *WebSocketManager {
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger:  logger,
		clients: make(map[uuid.UUID]map[*wsClient]struct{}),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// Run blocks until ctx is done, then closes every connection and refuses new ones.
func (m *WebSocketManager) Run(ctx context.Context) {
	<-ctx.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for userID, set := range m.clients {
		for c := range set {
			close(c.send)
		}
		delete(m.clients, userID)
	}
}

func (m *WebSocketManager) attach(c *wsClient) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	set, ok := m.clients[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		m.clients[c.userID] = set
	}
	set[c] = struct{}{}
	m.logger.Debug("websocket attached", zap.String("user_id", c.userID.String()), zap.Int("connections", len(set)))
	return true
}

// detach is safe to call after Run has already closed the client.
func (m *WebSocketManager) detach(c *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.clients[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m.clients, c.userID)
	}
	close(c.send)
	m.logger.Debug("websocket detached", zap.String("user_id", c.userID.String()))
}

// Connected reports how many live connections userID has.
func (m *WebSocketManager) Connected(userID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[userID])
}

// SendToUser queues message on every connection of userID. A connection whose buffer is full
// misses the message.
func (m *WebSocketManager) SendToUser(userID uuid.UUID, message interface{}) {
	payload, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("websocket frame marshal failed", zap.Error(err))
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.clients[userID] {
		select {
		case c.send <- payload:
		default:
			m.logger.Debug("websocket buffer full, dropping frame", zap.String("user_id", userID.String()))
		}
	}
}

func (m *WebSocketManager) Name() string { return "websocket" }

// Deliver implements notify.Sink.
func (m *WebSocketManager) Deliver(_ context.Context, e domain.Event) error {
	frame := WSEvent{Type: string(e.Type), Payload: e}
	for _, userID := range e.Recipients {
		m.SendToUser(userID, frame)
	}
	return nil
}

// ServeWS upgrades an authenticated request and attaches the connection to the caller.
func (m *WebSocketManager) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		id:     uuid.New(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
	}
	if !m.attach(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	go m.writeLoop(c)
	go m.readLoop(c)
}

// readLoop only services control frames; clients do not send data over the socket.
func (m *WebSocketManager) readLoop(c *wsClient) {
	defer func() {
		m.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("websocket closed", zap.String("user_id", c.userID.String()), zap.Error(err))
			}
			return
		}
	}
}

func (m *WebSocketManager) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
