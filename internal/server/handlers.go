package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler upgrades websocket requests and attaches the resulting
// connections to the hub.
type Handler struct {
	hub      *Hub
	events   EventHandler
	upgrader websocket.Upgrader
}

// NewHandler serves websocket upgrades for hub, feeding events to events.
func NewHandler(hub *Hub, events EventHandler, origins *OriginPolicy) *Handler {
	return &Handler{
		hub:    hub,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.Check,
		},
	}
}

// WebSocket accepts GET upgrades only.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("module", "http").Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	h.hub.Register(NewClient(conn, h.hub, h.events, r.RemoteAddr))
}

// HealthHandler reports that the server is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "VibeChat server is running!")
}

// TestPageHandler serves a page for exercising the websocket events by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		log.Error().Str("module", "http").Err(err).Msg("writing test page")
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>VibeChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; font-family: monospace; }
        input { padding: 5px; margin: 2px 6px 2px 0; }
        button { padding: 5px 12px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
    </style>
</head>
<body>
    <h1>VibeChat WebSocket Test</h1>
    <div>
        <button onclick="connect()">Connect</button>
        <input id="token" placeholder="token" size="60">
        <button onclick="emit('authenticate', {token: val('token')})">Authenticate</button>
    </div>
    <div>
        <input id="channel" placeholder="channel id" size="8">
        <input id="body" placeholder="message" size="40">
        <button onclick="emit('send_message', {token: val('token'), channel_id: num('channel'), body: val('body')})">Send</button>
        <button onclick="emit('started_typing', {channel_id: num('channel')})">Typing</button>
        <button onclick="emit('stopped_typing', {channel_id: num('channel')})">Stop typing</button>
    </div>
    <div>
        <input id="message" placeholder="message id" size="8">
        <button onclick="emit('edit_message', {token: val('token'), message_id: num('message'), body: val('body')})">Edit</button>
        <button onclick="emit('remove_message', {token: val('token'), message_id: num('message')})">Remove</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const val = (id) => document.getElementById(id).value.trim();
        const num = (id) => parseInt(val(id), 10) || 0;

        function print(text) {
            const line = document.createElement('div');
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => print('connected');
            ws.onmessage = (event) => print('<- ' + event.data);
            ws.onclose = () => { print('disconnected'); ws = null; };
        }

        function emit(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                print('not connected');
                return;
            }
            const frame = JSON.stringify({event: event, data: data});
            ws.send(frame);
            print('-> ' + frame);
        }
    </script>
</body>
</html>`
