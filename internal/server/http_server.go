package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// CreateServer creates an HTTP server with production timeouts.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer listens until the server is shut down. It returns
// http.ErrServerClosed after a graceful shutdown.
func StartServer(server *http.Server) error {
	log.Info().Str("module", "http").Str("addr", server.Addr).Msg("server listening")
	return server.ListenAndServe()
}

// ShutdownServer stops accepting connections and waits for in-flight
// requests, up to timeout.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	log.Info().Str("module", "http").Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Str("module", "http").Err(err).Msg("HTTP server shutdown error")
		return err
	}

	log.Info().Str("module", "http").Msg("HTTP server shutdown completed")
	return nil
}
