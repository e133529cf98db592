package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// ClientLimits bounds what a single connection may consume.
type ClientLimits struct {
	MaxMessageSize int64
	SendQueueSize  int
	RateLimit      RateLimitConfig
}

func (l ClientLimits) sanitize() ClientLimits {
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = defaultMaxMessageSize
	}
	if l.SendQueueSize <= 0 {
		l.SendQueueSize = defaultSendQueueSize
	}
	if l.RateLimit.Burst <= 0 {
		l.RateLimit.Burst = defaultRateBurst
	}
	if l.RateLimit.RefillInterval <= 0 {
		l.RateLimit.RefillInterval = defaultRateRefill
	}
	return l
}

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	StateConnected ConnState = iota
	StateAuthenticated
	StateDisconnected
)

// String returns the lowercase state name used in logs.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// EventHandler reacts to inbound events of a connection. Events of one
// connection are handled one at a time, in arrival order.
type EventHandler interface {
	HandleEvent(ctx context.Context, c *Client, in InboundEvent)
}

// Client is one websocket connection. It becomes Authenticated the first
// time one of its events carries a valid token.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	events  EventHandler
	addr    string
	closed  bool
	limits  ClientLimits
	limiter *tokenBucket
	log     zerolog.Logger

	mu   sync.RWMutex
	user *chat.User
}

// NewClient wraps conn. conn may be nil for a connection that is driven
// directly through its send queue.
func NewClient(conn *websocket.Conn, hub *Hub, events EventHandler, addr string) *Client {
	limits := hub.limits
	if conn != nil {
		conn.SetReadLimit(limits.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, limits.SendQueueSize),
		hub:     hub,
		events:  events,
		addr:    addr,
		limits:  limits,
		limiter: newTokenBucket(limits.RateLimit),
		log:     log.With().Str("module", "client").Str("conn", id).Str("addr", addr).Logger(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// User returns the authenticated user, or nil before authentication.
func (c *Client) User() *chat.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// State reports where the connection is in its lifecycle.
func (c *Client) State() ConnState {
	c.hub.mutex.RLock()
	closed := c.closed
	c.hub.mutex.RUnlock()

	switch {
	case closed:
		return StateDisconnected
	case c.User() != nil:
		return StateAuthenticated
	default:
		return StateConnected
	}
}

// authenticate records user as the connection's identity. A later event
// authenticated as someone else replaces it.
func (c *Client) authenticate(user chat.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.user == nil || c.user.ID != user.ID {
		c.log.Info().Int64("user", int64(user.ID)).Msg("connection authenticated")
	}
	c.user = &user
}

// reply sends evt to this connection only.
func (c *Client) reply(evt OutboundEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		c.log.Error().Err(err).Str("event", evt.Event).Msg("encoding reply")
		return
	}
	if !c.hub.Unicast(c, payload) {
		c.log.Warn().Str("event", evt.Event).Msg("reply dropped")
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error().Err(err).Msg("setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs err by category. Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.limits.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseMessageTooBig):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
}

func (c *Client) checkRateLimit() bool {
	if c.limiter.allow() {
		return true
	}
	c.log.Warn().
		Int("burst", c.limits.RateLimit.Burst).
		Dur("interval", c.limits.RateLimit.RefillInterval).
		Msg("rate limit exceeded; discarding message")
	return false
}

// processMessage decodes one frame and hands it to the event handler.
func (c *Client) processMessage(raw []byte) {
	var in InboundEvent
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		c.log.Debug().Err(err).Msg("invalid frame")
		c.reply(OutboundEvent{Event: EventError, Data: ErrorNotice{Code: chat.CodeBadRequest, Message: "frame must be a JSON object with an event name"}})
		return
	}
	c.events.HandleEvent(c.hub.ctx, c, in)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(raw)
	}
}

// writePump writes one websocket frame per queued event and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("closing connection in writePump")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.write(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

func (c *Client) write(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Error().Err(err).Msg("setting write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("writing message")
		}
		return false
	}
	return true
}

func (c *Client) ping() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Error().Err(err).Msg("setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug().Err(err).Msg("writing ping")
		return false
	}
	return true
}
