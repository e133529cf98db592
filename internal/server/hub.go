package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/Tyrowin/vibechat/internal/relay"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const relayPublishTimeout = 2 * time.Second

// Hub manages all websocket connections and handles broadcasting. Register,
// unregister and fan-out are serialized through Run; the client set is
// additionally guarded by a mutex for snapshot reads.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	scope      string
	overflow   string
	oracle     chat.MembershipOracle
	limits     ClientLimits
	relay      relay.Relay
	instanceID string
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithChannelScope restricts scoped broadcasts to authenticated members of
// the event channel.
func WithChannelScope(oracle chat.MembershipOracle) HubOption {
	return func(h *Hub) {
		h.scope = ScopeChannel
		h.oracle = oracle
	}
}

// WithOverflowPolicy selects what happens when a connection's send queue is
// full: OverflowDisconnect or OverflowDropOldest.
func WithOverflowPolicy(policy string) HubOption {
	return func(h *Hub) {
		if policy == OverflowDropOldest {
			h.overflow = OverflowDropOldest
		}
	}
}

// WithClientLimits sets the limits applied to every new connection.
func WithClientLimits(limits ClientLimits) HubOption {
	return func(h *Hub) {
		h.limits = limits.sanitize()
	}
}

// NewHub creates a Hub ready to Run.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		scope:      ScopeAll,
		overflow:   OverflowDisconnect,
		limits:     ClientLimits{}.sanitize(),
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InstanceID identifies this hub on the relay.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// ConnectRelay subscribes the hub to r and forwards every local broadcast to
// it. It must be called before Run.
func (h *Hub) ConnectRelay(r relay.Relay) error {
	in, err := r.Subscribe(h.ctx)
	if err != nil {
		return err
	}
	h.relay = r

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.consumeRelay(in)
	}()
	return nil
}

func (h *Hub) consumeRelay(in <-chan relay.Envelope) {
	for env := range in {
		if env.Origin == h.instanceID {
			continue
		}
		h.Publish(BroadcastMessage{
			IncludeSelf: true,
			ChannelID:   chat.ChannelID(env.ChannelID),
			Scoped:      env.Scoped,
			Payload:     env.Payload,
			remote:      true,
		})
	}
}

// Register queues c for registration; Run starts its pumps.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

// Unregister queues c for removal. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Publish fans msg out to the live connections selected by its flags and,
// for local events, forwards it to the relay.
func (h *Hub) Publish(msg BroadcastMessage) {
	if msg.Scoped && h.scope == ScopeChannel && msg.ChannelID > 0 {
		msg.audience = h.audienceOf(msg.ChannelID)
	}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
		return
	}

	if h.relay == nil || msg.remote {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, relayPublishTimeout)
	defer cancel()
	err := h.relay.Publish(ctx, relay.Envelope{
		Origin:      h.instanceID,
		ChannelID:   int64(msg.ChannelID),
		Scoped:      msg.Scoped,
		IncludeSelf: msg.IncludeSelf,
		Payload:     msg.Payload,
	})
	if err != nil {
		log.Error().Str("module", "hub").Err(err).Msg("relay publish failed")
	}
}

// audienceOf resolves channel members outside the Run loop. A failed lookup
// yields an empty audience.
func (h *Hub) audienceOf(channelID chat.ChannelID) map[chat.UserID]struct{} {
	ctx, cancel := context.WithTimeout(h.ctx, relayPublishTimeout)
	defer cancel()

	members, err := h.oracle.Members(ctx, channelID)
	if err != nil {
		log.Error().Str("module", "hub").Err(err).Int64("channel", int64(channelID)).Msg("member lookup failed")
	}
	return lo.SliceToMap(members, func(id chat.UserID) (chat.UserID, struct{}) {
		return id, struct{}{}
	})
}

// Unicast queues payload for c alone. It goes through Run like any
// broadcast, so a connection sees replies and broadcasts in the order they
// were issued. It reports false when c is not registered or the hub is down.
func (h *Hub) Unicast(c *Client, payload []byte) bool {
	h.mutex.RLock()
	_, registered := h.clients[c]
	h.mutex.RUnlock()
	if !registered {
		return false
	}

	select {
	case h.broadcast <- BroadcastMessage{Payload: payload, target: c}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "hub").Interface("panic", r).Msg("recovered from panic in safeSend")
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
	}

	if h.overflow != OverflowDropOldest {
		return false
	}
	select {
	case <-client.send:
		client.log.Debug().Msg("send queue full, dropped oldest frame")
	default:
	}
	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's event loop. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				continue
			}
			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			client.log.Info().Int("clients", count).Msg("client registered")

			if client.conn != nil {
				h.wg.Add(2)
				go func() {
					defer h.wg.Done()
					client.writePump()
				}()
				go func() {
					defer h.wg.Done()
					client.readPump()
				}()
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closed = true
				count := len(h.clients)
				h.mutex.Unlock()
				close(client.send)
				client.log.Info().Int("clients", count).Msg("client unregistered")
			} else {
				h.mutex.Unlock()
			}

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleBroadcast(msg BroadcastMessage) {
	if msg.target != nil {
		if !h.safeSend(msg.target, msg.Payload) {
			h.removeFailedClients([]*Client{msg.target})
		}
		return
	}

	targets := lo.Filter(h.getClientSnapshot(), func(c *Client, _ int) bool {
		return h.accepts(c, msg)
	})

	log.Debug().Str("module", "hub").Int("targets", len(targets)).Bool("remote", msg.remote).Msg("broadcasting")

	failed := lo.Reject(targets, func(c *Client, _ int) bool {
		return h.safeSend(c, msg.Payload)
	})
	h.removeFailedClients(failed)
}

// accepts decides whether c receives msg.
func (h *Hub) accepts(c *Client, msg BroadcastMessage) bool {
	if c == msg.Sender && msg.Sender != nil {
		return msg.IncludeSelf
	}
	if msg.audience == nil {
		return true
	}
	user := c.User()
	if user == nil {
		return false
	}
	_, ok := msg.audience[user.ID]
	return ok
}

func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return lo.Keys(h.clients)
}

// removeFailedClients drops connections whose send queue could not take a
// frame and closes their queues.
func (h *Hub) removeFailedClients(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var toClose []chan []byte
	for _, client := range failed {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			toClose = append(toClose, client.send)
			client.log.Warn().Msg("client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	for _, ch := range toClose {
		close(ch)
	}
}

// shutdownClients drops every connection, closing its socket and its send
// queue so both pumps return.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := lo.Keys(h.clients)
	for _, client := range clients {
		delete(h.clients, client)
		client.closed = true
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.Error().Err(err).Msg("error closing client connection")
		}
	}

	log.Info().Str("module", "hub").Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops the hub and waits for every pump and the relay consumer to
// finish, or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Info().Str("module", "hub").Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("module", "hub").Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Warn().Str("module", "hub").Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
