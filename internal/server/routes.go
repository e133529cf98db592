package server

import "net/http"

// SetupRoutes returns a ServeMux serving the health check, the websocket
// endpoint and the test page.
func SetupRoutes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocket)
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
