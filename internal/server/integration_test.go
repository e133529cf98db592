package server_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/Tyrowin/vibechat/internal/server"
	"github.com/Tyrowin/vibechat/internal/testhelpers"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, f *fixture, origins ...string) *httptest.Server {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{testhelpers.TestOrigin}
	}
	handler := server.NewHandler(f.hub, f.dispatcher, server.NewOriginPolicy(origins))
	ts := httptest.NewServer(server.SetupRoutes(handler))
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPRoutes(t *testing.T) {
	f := newFixture(t)
	ts := startServer(t, f)

	t.Run("should answer the health check", func(t *testing.T) {
		req := require.New(t)
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/")
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		req.NoError(err)
		req.Equal(http.StatusOK, resp.StatusCode)
		req.Equal("text/plain", resp.Header.Get("Content-Type"))
		req.Equal("VibeChat server is running!", string(body))
	})

	t.Run("should serve the test page", func(t *testing.T) {
		req := require.New(t)
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/test")
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		req.NoError(err)
		req.Equal("text/html", resp.Header.Get("Content-Type"))
		req.Contains(string(body), "send_message")
	})

	t.Run("should refuse non-GET websocket requests", func(t *testing.T) {
		req := require.New(t)
		resp := testhelpers.MakeRequest(t, http.MethodPost, ts.URL+"/ws")
		defer resp.Body.Close()

		req.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestWebSocket_Origins(t *testing.T) {
	f := newFixture(t)
	ts := startServer(t, f, "https://chat.example.com")
	url := testhelpers.WebSocketURL(ts.URL)

	for name, tc := range map[string]struct {
		origin string
		ok     bool
	}{
		"allowed origin":        {"https://chat.example.com", true},
		"allowed origin, case":  {"HTTPS://Chat.Example.com", true},
		"disallowed origin":     {"https://evil.example.com", false},
		"scheme mismatch":       {"http://chat.example.com", false},
		"missing origin header": {"", false},
		"unparseable origin":    {"::", false},
	} {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			conn, err := testhelpers.ConnectWebSocketWithOrigin(url, tc.origin)
			if tc.ok {
				req.NoError(err)
				_ = conn.Close()
				return
			}
			req.ErrorIs(err, websocket.ErrBadHandshake)
		})
	}
}

func TestWebSocket_ChatFlow(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	url := testhelpers.WebSocketURL(startServer(t, f).URL)

	alice := testhelpers.MustConnect(t, url)
	bob := testhelpers.MustConnect(t, url)
	carol := testhelpers.MustConnect(t, url)
	req.Eventually(func() bool { return f.hub.ClientCount() == 3 }, waitFor, 5*time.Millisecond)

	testhelpers.Emit(t, alice, server.EventSendMessage, map[string]any{
		"token":      f.token(t, f.seeded.Member),
		"channel_id": f.seeded.Channel.ID,
		"body":       "hi",
	})

	var sent server.MessageNotice
	for _, conn := range []*websocket.Conn{alice, bob, carol} {
		frame := testhelpers.Receive(t, conn, waitFor)
		req.Equal(server.EventReceiveMessage, frame.Event)
		frame.Decode(t, &sent)
	}

	testhelpers.Emit(t, bob, server.EventEditMessage, map[string]any{
		"token":      f.token(t, f.outsider),
		"message_id": sent.MessageID,
		"body":       "bye",
	})
	frame := testhelpers.Receive(t, bob, waitFor)
	req.Equal(server.EventError, frame.Event)
	var notice server.ErrorNotice
	frame.Decode(t, &notice)
	req.Equal(chat.CodeAuthorization, notice.Code)

	testhelpers.Emit(t, carol, server.EventStartedTyping, map[string]any{"channel_id": f.seeded.Channel.ID})
	req.Equal(server.EventShowTyping, testhelpers.Receive(t, alice, waitFor).Event)
	req.Equal(server.EventShowTyping, testhelpers.Receive(t, bob, waitFor).Event)
	testhelpers.ExpectSilence(t, carol, quiet)
}

func TestWebSocket_BadFrames(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	url := testhelpers.WebSocketURL(startServer(t, f).URL)
	conn := testhelpers.MustConnect(t, url)

	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	frame := testhelpers.Receive(t, conn, waitFor)
	req.Equal(server.EventError, frame.Event)
	var notice server.ErrorNotice
	frame.Decode(t, &notice)
	req.Equal(chat.CodeBadRequest, notice.Code)
}

func TestWebSocket_Limits(t *testing.T) {
	t.Run("should close connections that exceed the frame size", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, withHubOptions(server.WithClientLimits(server.ClientLimits{MaxMessageSize: 64})))
		url := testhelpers.WebSocketURL(startServer(t, f).URL)
		conn := testhelpers.MustConnect(t, url)
		req.Eventually(func() bool { return f.hub.ClientCount() == 1 }, waitFor, 5*time.Millisecond)

		big := `{"event":"started_typing","data":{"pad":"` + strings.Repeat("x", 128) + `"}}`
		req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(big)))

		req.Eventually(func() bool { return f.hub.ClientCount() == 0 }, waitFor, 5*time.Millisecond)
	})

	t.Run("should discard frames over the rate limit", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, withHubOptions(server.WithClientLimits(server.ClientLimits{
			RateLimit: server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour},
		})))
		url := testhelpers.WebSocketURL(startServer(t, f).URL)
		typist := testhelpers.MustConnect(t, url)
		watcher := testhelpers.MustConnect(t, url)
		req.Eventually(func() bool { return f.hub.ClientCount() == 2 }, waitFor, 5*time.Millisecond)

		for range 4 {
			testhelpers.Emit(t, typist, server.EventStartedTyping, nil)
		}

		req.Equal(server.EventShowTyping, testhelpers.Receive(t, watcher, waitFor).Event)
		req.Equal(server.EventShowTyping, testhelpers.Receive(t, watcher, waitFor).Event)
		testhelpers.ExpectSilence(t, watcher, quiet)
	})
}

func TestWebSocket_Shutdown(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	url := testhelpers.WebSocketURL(startServer(t, f).URL)

	conns := []*websocket.Conn{testhelpers.MustConnect(t, url), testhelpers.MustConnect(t, url)}
	req.Eventually(func() bool { return f.hub.ClientCount() == 2 }, waitFor, 5*time.Millisecond)

	req.NoError(f.hub.Shutdown(2 * time.Second))

	for _, conn := range conns {
		req.NoError(conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, _, err := conn.ReadMessage()
		req.Error(err)
	}
}

func TestWebSocket_Disconnect(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	url := testhelpers.WebSocketURL(startServer(t, f).URL)

	conn, err := testhelpers.ConnectWebSocket(url)
	req.NoError(err)
	req.Eventually(func() bool { return f.hub.ClientCount() == 1 }, waitFor, 5*time.Millisecond)

	req.NoError(testhelpers.CloseWebSocket(conn))
	req.Eventually(func() bool { return f.hub.ClientCount() == 0 }, waitFor, 5*time.Millisecond)
}
