// Package realtime exposes the chat subscriptions over websockets using
// a phoenix-style join/leave protocol. Every joined topic is backed by a
// live store subscription that is disposed on leave or disconnect.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"broker-chat-server/internal/chat"
	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/dock"
	"broker-chat-server/internal/identity"
	"broker-chat-server/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 256
)

const (
	topicMessagesPrefix = "messages:"
	topicSessionPrefix  = "session:"
	topicDock           = "dock"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type IncomingMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type OutgoingMessage struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref,omitempty"`
}

// SessionPayload is pushed on session topics. The typing flags are
// already evaluated against the staleness window.
type SessionPayload struct {
	Session     store.ChatSession `json:"session"`
	AdminTyping bool              `json:"admin_typing"`
	UserTyping  bool              `json:"user_typing"`
}

func NewSessionPayload(s store.ChatSession, now time.Time, stale time.Duration) SessionPayload {
	return SessionPayload{
		Session:     s,
		AdminTyping: chat.IsTyping(s, store.RoleAdmin, now, stale),
		UserTyping:  chat.IsTyping(s, store.RoleUser, now, stale),
	}
}

type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	DockWindow  time.Duration
	TypingStale time.Duration
}

type Hub struct {
	svc   *chat.Service
	store store.Store
	opts  Options

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub(svc *chat.Service, st store.Store, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TypingStale <= 0 {
		opts.TypingStale = chat.TypingStaleAfter
	}
	return &Hub{
		svc:        svc,
		store:      st,
		opts:       opts,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run tracks connected clients until ctx is cancelled, then releases
// every client's subscriptions.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.release()
			}
			h.mu.Unlock()
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.release()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	who    identity.Identity
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]store.Unsubscribe
	dock   *dock.Dock
	closed bool
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("websocket message ignored", "error", err)
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg IncomingMessage) {
	switch msg.Event {
	case "phx_join":
		// The reply is queued before the lock is released so it always
		// precedes the topic's first snapshot.
		c.mu.Lock()
		if err := c.joinLocked(msg.Topic); err != nil {
			c.enqueue(replyFor(msg, "error", map[string]string{"reason": err.Error()}))
		} else {
			c.enqueue(replyFor(msg, "ok", map[string]string{}))
		}
		c.mu.Unlock()
	case "phx_leave":
		c.leave(msg.Topic)
		c.reply(msg, "ok", map[string]string{})
	case "heartbeat":
		c.reply(IncomingMessage{Topic: "phoenix", Ref: msg.Ref}, "ok", map[string]string{})
	}
}

func (c *Client) reply(msg IncomingMessage, status string, response interface{}) {
	c.sendJSON(replyFor(msg, status, response))
}

func replyFor(msg IncomingMessage, status string, response interface{}) OutgoingMessage {
	return OutgoingMessage{
		Topic: msg.Topic,
		Event: "phx_reply",
		Ref:   msg.Ref,
		Payload: map[string]interface{}{
			"status":   status,
			"response": response,
		},
	}
}

// authorize reports whether the client may read sessionID.
func (c *Client) authorize(sessionID string) error {
	if sessionID == "" {
		return store.ErrNotFound
	}
	if c.who.Admin || c.who.VisitorID == sessionID {
		return nil
	}
	return chat.ErrForbidden
}

// joinLocked must be called with c.mu held.
func (c *Client) joinLocked(topic string) error {
	if c.closed {
		return context.Canceled
	}
	if _, ok := c.topics[topic]; ok {
		return nil
	}

	push := func(event string) func(any) {
		return func(payload any) {
			c.sendJSON(OutgoingMessage{Topic: topic, Event: event, Payload: payload})
		}
	}
	onError := func(err error) {
		push("error")(map[string]string{"reason": err.Error()})
	}

	switch {
	case strings.HasPrefix(topic, topicMessagesPrefix):
		id := strings.TrimPrefix(topic, topicMessagesPrefix)
		if err := c.authorize(id); err != nil {
			return err
		}
		onMessages := func(ms []store.Message) { push("messages")(map[string]any{"messages": ms}) }
		if c.who.Admin {
			d := c.adminDock()
			if _, err := d.Expand(c.ctx, id, onMessages, onError); err != nil {
				return err
			}
			c.topics[topic] = func() { d.Collapse(id) }
			return nil
		}
		unsubscribe, err := c.hub.svc.SubscribeMessages(c.ctx, id, onMessages, onError)
		if err != nil {
			return err
		}
		c.topics[topic] = unsubscribe

	case strings.HasPrefix(topic, topicSessionPrefix):
		id := strings.TrimPrefix(topic, topicSessionPrefix)
		if err := c.authorize(id); err != nil {
			return err
		}
		unsubscribe, err := c.hub.svc.SubscribeSessionMeta(c.ctx, id, func(s store.ChatSession) {
			push("session")(NewSessionPayload(s, c.hub.opts.Clock.Now(), c.hub.opts.TypingStale))
		}, onError)
		if err != nil {
			return err
		}
		c.topics[topic] = unsubscribe

	case topic == topicDock:
		if !c.who.Admin {
			return chat.ErrForbidden
		}
		d := c.adminDock()
		if err := d.Start(c.ctx, func(entries []dock.Entry) { push("sessions")(map[string]any{"sessions": entries}) }, onError); err != nil {
			return err
		}
		c.topics[topic] = d.Stop

	default:
		return store.ErrNotFound
	}
	return nil
}

// adminDock must be called with c.mu held.
func (c *Client) adminDock() *dock.Dock {
	if c.dock == nil {
		c.dock = dock.New(c.hub.store, c.hub.svc, dock.Options{
			Window: c.hub.opts.DockWindow,
			Clock:  c.hub.opts.Clock,
			Logger: c.logger,
		})
	}
	return c.dock
}

func (c *Client) leave(topic string) {
	c.mu.Lock()
	unsubscribe, ok := c.topics[topic]
	delete(c.topics, topic)
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// release disposes every subscription and closes the send channel.
func (c *Client) release() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	topics := c.topics
	c.topics = nil
	d := c.dock
	c.cancel()
	close(c.send)
	c.mu.Unlock()

	for _, unsubscribe := range topics {
		unsubscribe()
	}
	if d != nil {
		d.Close()
	}
}

func (c *Client) sendJSON(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueue(v)
}

// enqueue must be called with c.mu held.
func (c *Client) enqueue(v interface{}) {
	if c.closed {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("websocket send buffer full, dropping update")
	}
}

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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWs upgrades an authenticated request. The identity middleware
// must run first.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.opts.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		who:    who,
		ctx:    ctx,
		cancel: cancel,
		logger: hub.opts.Logger.With("visitor", who.VisitorID, "admin", who.Admin),
		topics: make(map[string]store.Unsubscribe),
	}
	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		cancel()
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
