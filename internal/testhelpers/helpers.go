// Package testhelpers provides utilities shared by the websocket and HTTP
// tests: dialing the server, emitting events and reading frames back.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the origin test dialers present to the server.
const TestOrigin = "http://localhost:8080"

// Frame is an outbound event as a client sees it.
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v), "frame %s data %s", f.Event, string(f.Data))
}

// MakeRequest executes an HTTP request with a 5-second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url presenting TestOrigin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url presenting origin; an empty origin
// sends no Origin header.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Emit sends one inbound event.
func Emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// Receive reads the next frame, failing after timeout.
func Receive(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// ExpectSilence fails if a frame arrives within d. The connection is unusable
// for reads afterwards when nothing arrived.
func ExpectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))

	var f Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "unexpected frame %s", f.Event)
}

// CloseWebSocket sends a normal closure and closes conn.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
