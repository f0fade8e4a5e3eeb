package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Outbound frames buffered per client before it is considered stalled.
	sendBufferSize = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Relay is the session coordinator as seen by the transport.
type Relay interface {
	Handle(ctx context.Context, sink relay.Sink, ev relay.Event) error
	Disconnect(sink relay.Sink) int
}

// Hub maintains the set of connected clients and feeds their frames to the relay.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	relay     Relay
	validator *MessageValidator
	logger    *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(relay Relay, validator *MessageValidator, logger *zap.Logger) *Hub {
	if validator == nil {
		validator = NewMessageValidator(0)
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		relay:      relay,
		validator:  validator,
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done. Remaining
// clients are disconnected on return.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			client.closeSend()
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("clientID", client.id),
				zap.String("userID", client.userID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("clientID", client.id))

		case <-ctx.Done():
			return
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches a client for userID. An empty
// userID accepts whichever user the client names in start-session.
func (h *Hub) ServeWS(c echo.Context, userID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		id:     fmt.Sprintf("%p", conn),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With(zap.String("remoteAddr", conn.RemoteAddr().String())),
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return errors.New("hub stopped")
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// Client is a middleman between the websocket connection and the relay. It
// is the relay.Sink for every session it starts.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	id     string
	userID string

	// Cancelled when the connection goes away; aborts pending upstream dials.
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ relay.Sink = (*Client)(nil)

// Send queues msg for the write pump. It never blocks: a client whose buffer
// is full is disconnected.
func (c *Client) Send(msg domain.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client %s: %w", c.id, domain.ErrTransport)
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("Client send buffer full, disconnecting", zap.String("clientID", c.id))
		c.closed = true
		close(c.send)
		return fmt.Errorf("client %s stalled: %w", c.id, domain.ErrTransport)
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection to the relay.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		if n := c.hub.relay.Disconnect(c); n > 0 {
			c.logger.Info("Ended sessions of disconnected client",
				zap.String("clientID", c.id),
				zap.Int("sessions", n))
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
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
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		default:
			c.Send(domain.NewErrorMessage("", domain.ErrorCodeInvalidMessage, "only JSON text frames are supported"))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
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

// processMessage validates a client frame and hands it to the relay
func (c *Client) processMessage(message []byte) {
	ev, err := c.hub.validator.Validate(message)
	if err != nil {
		var vErr *ValidationError
		sessionID := ""
		if errors.As(err, &vErr) {
			sessionID = vErr.SessionID
		}
		c.logger.Warn("Rejected client message", zap.String("sessionID", sessionID), zap.Error(err))
		c.Send(domain.NewErrorMessage(sessionID, domain.ErrorCodeInvalidMessage, err.Error()))
		return
	}

	if start, ok := ev.(relay.StartSession); ok && c.userID != "" && start.UserID != c.userID {
		c.logger.Warn("Rejected start-session for another user",
			zap.String("sessionID", start.SessionID),
			zap.String("userID", start.UserID),
			zap.String("authenticatedUserID", c.userID))
		c.Send(domain.NewErrorMessage(start.SessionID, domain.ErrorCodeUnauthorized, "userId does not match the authenticated user"))
		return
	}

	// The relay reports failures to the client itself.
	if err := c.hub.relay.Handle(c.ctx, c, ev); err != nil {
		c.logger.Debug("Relay rejected event", zap.Error(err))
	}
}
