package server_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Tyrowin/vibechat/internal/auth"
	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/Tyrowin/vibechat/internal/relay"
	"github.com/Tyrowin/vibechat/internal/server"
	"github.com/Tyrowin/vibechat/internal/store"
	"github.com/Tyrowin/vibechat/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

const (
	secret  = "vibe-test-secret"
	waitFor = time.Second
	quiet   = 100 * time.Millisecond
)

// fixture is a running hub with a seeded in-memory store: an admin and a
// member share the "general" channel, the outsider belongs to no channel.
type fixture struct {
	hub        *server.Hub
	store      *store.Memory
	tokens     *auth.Validator
	dispatcher *server.Dispatcher
	seeded     store.Seeded
	outsider   chat.User
	clients    int
}

type fixtureConfig struct {
	hubOpts      []server.HubOption
	channelScope bool
	relay        relay.Relay
}

type fixtureOption func(*fixtureConfig)

func withHubOptions(opts ...server.HubOption) fixtureOption {
	return func(c *fixtureConfig) { c.hubOpts = append(c.hubOpts, opts...) }
}

func withChannelScope() fixtureOption {
	return func(c *fixtureConfig) { c.channelScope = true }
}

func withRelay(r relay.Relay) fixtureOption {
	return func(c *fixtureConfig) { c.relay = r }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	mem := store.NewMemory()
	seeded, err := store.Seed(ctx, mem)
	req.NoError(err)
	outsider, err := mem.CreateUser(ctx, chat.User{Username: "carol", Email: "carol@vibe.local"})
	req.NoError(err)

	tokens := auth.NewValidator(secret, mem)
	service := chat.NewService(tokens, mem, mem, chat.WithStoreTimeout(time.Second))

	var cfg fixtureConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.channelScope {
		cfg.hubOpts = append(cfg.hubOpts, server.WithChannelScope(mem))
	}

	hub := server.NewHub(cfg.hubOpts...)
	if cfg.relay != nil {
		req.NoError(hub.ConnectRelay(cfg.relay))
	}
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	return &fixture{
		hub:        hub,
		store:      mem,
		tokens:     tokens,
		dispatcher: server.NewDispatcher(hub, service, tokens),
		seeded:     seeded,
		outsider:   outsider,
	}
}

// connect registers a connection without a socket; frames are read from its
// send queue.
func (f *fixture) connect(t *testing.T) *server.Client {
	t.Helper()
	c := server.NewClient(nil, f.hub, f.dispatcher, "pipe")
	f.hub.Register(c)
	f.clients++
	want := f.clients
	require.Eventually(t, func() bool { return f.hub.ClientCount() == want }, waitFor, 5*time.Millisecond)
	return c
}

func (f *fixture) token(t *testing.T, user chat.User) string {
	t.Helper()
	token, err := f.tokens.Sign(auth.Claims{UserID: user.ID, Username: user.Username})
	require.NoError(t, err)
	return token
}

func (f *fixture) emit(c *server.Client, event string, data any) {
	raw, _ := json.Marshal(data)
	f.dispatcher.HandleEvent(context.Background(), c, server.InboundEvent{Event: event, Data: raw})
}

func next(t *testing.T, c *server.Client) testhelpers.Frame {
	t.Helper()
	select {
	case raw, ok := <-c.GetSendChan():
		require.True(t, ok, "send queue closed")
		var f testhelpers.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(waitFor):
		require.FailNow(t, "no frame received")
		return testhelpers.Frame{}
	}
}

func silent(t *testing.T, c *server.Client) {
	t.Helper()
	select {
	case raw := <-c.GetSendChan():
		require.FailNow(t, "unexpected frame", string(raw))
	case <-time.After(quiet):
	}
}

func errorNotice(t *testing.T, f testhelpers.Frame) server.ErrorNotice {
	t.Helper()
	require.Equal(t, server.EventError, f.Event)
	var notice server.ErrorNotice
	f.Decode(t, &notice)
	return notice
}
