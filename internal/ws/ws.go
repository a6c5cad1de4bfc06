package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/4xmen/peyk/internal/chat"
	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/internal/notify"
	"github.com/4xmen/peyk/internal/presence"
	"github.com/4xmen/peyk/internal/session"
	"github.com/4xmen/peyk/internal/stream"
	"github.com/4xmen/peyk/internal/timeline"
	"github.com/4xmen/peyk/internal/typing"
	"github.com/4xmen/peyk/pkg/i18n"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	requestTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

type Deps struct {
	Registry   *session.Registry
	Presence   *presence.Service
	Timeline   *timeline.Timeline
	Typing     *typing.Service
	Chat       *chat.Service
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// PongWait is how long a connection may stay silent before it is
	// considered dead.
	PongWait time.Duration
}

// Hub owns the websocket connections and bridges them to the sync core.
type Hub struct {
	registry   *session.Registry
	presence   *presence.Service
	timeline   *timeline.Timeline
	typing     *typing.Service
	chat       *chat.Service
	dispatcher *notify.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	pongWait   time.Duration
	pingPeriod time.Duration

	mu      sync.RWMutex
	clients map[session.Handle]*Client
}

type Client struct {
	handle session.Handle
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan Event

	mu      sync.Mutex
	closed  bool
	topics  map[string]io.Closer
	viewing map[string]struct{}
}

func NewHub(d Deps) *Hub {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.PongWait <= 0 {
		d.PongWait = session.DefaultHeartbeatTimeout
	}
	h := &Hub{
		registry:   d.Registry,
		presence:   d.Presence,
		timeline:   d.Timeline,
		typing:     d.Typing,
		chat:       d.Chat,
		dispatcher: d.Dispatcher,
		metrics:    d.Metrics,
		logger:     d.Logger,
		pongWait:   d.PongWait,
		pingPeriod: d.PongWait * 9 / 10,
		clients:    make(map[session.Handle]*Client),
	}
	h.registry.OnDisconnect(h.teardown)
	return h
}

// ConnectionCount returns the number of open websocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// teardown runs after the registry has closed the client and its
// subscriptions.
func (h *Hub) teardown(conn session.Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn.Handle]
	delete(h.clients, conn.Handle)
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	viewing := make([]string, 0, len(c.viewing))
	for id := range c.viewing {
		viewing = append(viewing, id)
	}
	c.mu.Unlock()

	for _, id := range viewing {
		h.typing.ClearOnLeave(id, c.userID)
	}
	if h.dispatcher != nil {
		h.dispatcher.Forget(string(c.handle))
	}
	h.metrics.ConnectionClosed()
	h.logger.Info("websocket closed", "user_id", c.userID, "conn", c.handle, "total", total)
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	handle, err := h.registry.Connect(userID)
	if err != nil {
		h.logger.Warn("connect rejected", "user_id", userID, "error", err)
		conn.Close()
		return
	}

	client := &Client{
		handle:  handle,
		userID:  userID,
		conn:    conn,
		hub:     h,
		send:    make(chan Event, sendBuffer),
		topics:  make(map[string]io.Closer),
		viewing: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[handle] = client
	h.mu.Unlock()
	h.metrics.ConnectionOpened()

	if !h.registry.Attach(handle, client) {
		// Torn down before the client was attached; undo the
		// bookkeeping above if teardown ran too early to see it.
		h.teardown(session.Conn{Handle: handle, UserID: userID})
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	err = h.presence.Online(ctx, handle)
	cancel()
	if err != nil {
		h.logger.Warn("failed to mark user online", "user_id", userID, "conn", handle, "error", err)
	}

	go client.writePump()
	go client.readPump()
}

// Close stops outbound delivery. The write pump then closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// enqueue hands ev to the write pump. A client that cannot keep up is
// disconnected.
func (c *Client) enqueue(ev Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- ev:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.hub.logger.Warn("send buffer full, dropping connection", "user_id", c.userID, "conn", c.handle)
	go c.hub.registry.Disconnect(c.handle)
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.registry.Disconnect(c.handle)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.registry.Heartbeat(c.handle)
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket error", "user_id", c.userID, "conn", c.handle, "error", err)
			}
			return
		}
		c.hub.registry.Heartbeat(c.handle)
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(Event{Type: EventError, Error: __("invalid request")})
			continue
		}

		if req.Type == RequestLogout {
			c.logout()
			return
		}
		c.handleRequest(req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(ev)
			w.Write(data)

			if err := w.Close(); err != nil {
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

func (c *Client) logout() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := c.hub.presence.Logout(ctx, c.handle); err != nil {
		c.hub.logger.Warn("logout failed", "user_id", c.userID, "conn", c.handle, "error", err)
	}
}

// subscribe registers a forwarding subscription under topic. It returns
// false if the topic is already open.
func subscribe[V any](c *Client, topic string, sub *stream.Subscription[V], forward func(V)) bool {
	c.mu.Lock()
	if _, exists := c.topics[topic]; exists || c.closed {
		c.mu.Unlock()
		sub.Close()
		return false
	}
	c.topics[topic] = sub
	c.mu.Unlock()

	if !c.hub.registry.Attach(c.handle, sub) {
		return false
	}

	go func() {
		for v := range sub.C {
			forward(v)
		}
	}()
	return true
}

func (c *Client) unsubscribe(topic string) bool {
	c.mu.Lock()
	sub, ok := c.topics[topic]
	delete(c.topics, topic)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

func (c *Client) setViewing(conversationID string, viewing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if viewing {
		c.viewing[conversationID] = struct{}{}
	} else {
		delete(c.viewing, conversationID)
	}
}

func (c *Client) fail(ref string, err error) {
	if !isClientError(err) {
		c.hub.logger.Error("request failed", "user_id", c.userID, "conn", c.handle, "error", err)
	}
	c.enqueue(Event{Type: EventError, Ref: ref, Error: __(models.PublicMessage(err))})
}

func (c *Client) ack(ev Event) {
	ev.Type = EventAck
	c.enqueue(ev)
}

func isClientError(err error) bool {
	return models.PublicMessage(err) != "internal server error"
}

func __(message string) string {
	return i18n.Translate(message)
}
