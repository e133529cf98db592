package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/vibechat/internal/auth"
	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/Tyrowin/vibechat/internal/relay"
	"github.com/Tyrowin/vibechat/internal/server"
	"github.com/Tyrowin/vibechat/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2

	shutdownTimeout = 10 * time.Second
	tokenLifetime   = 24 * time.Hour
)

type backend interface {
	store.Admin
	chat.MessageStore
	chat.MembershipOracle
	chat.UserDirectory
	io.Closer
}

type memoryBackend struct {
	*store.Memory
}

func (memoryBackend) Close() error { return nil }

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibechat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	seed := flag.Bool("seed", false, "create an admin, a member and a general channel, print their tokens and exit")
	issueToken := flag.Int64("issue-token", 0, "print a token for the given user id and exit")
	flag.Parse()

	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}
	server.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)

	db, err := openBackend(cfg.DatabasePath)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		log.Info().Str("module", "main").Msg("closing store")
		_ = db.Close()
	}()

	var validatorOpts []auth.Option
	if cfg.TokenRequireExpiry {
		validatorOpts = append(validatorOpts, auth.WithRequiredExpiry())
	}
	tokens := auth.NewValidator(cfg.Secret, db, validatorOpts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *seed:
		return seedDatabase(ctx, db, tokens)
	case *issueToken > 0:
		return printToken(ctx, db, tokens, chat.UserID(*issueToken))
	}

	service := chat.NewService(tokens, db, db,
		chat.WithStoreTimeout(cfg.StoreTimeout),
		chat.WithMaxBodyLength(cfg.MaxBodyLength),
	)

	hubOpts := []server.HubOption{
		server.WithClientLimits(cfg.ClientLimits()),
		server.WithOverflowPolicy(cfg.SendOverflowPolicy),
	}
	if cfg.BroadcastScope == server.ScopeChannel {
		hubOpts = append(hubOpts, server.WithChannelScope(db))
	}
	hub := server.NewHub(hubOpts...)

	if cfg.RedisAddr != "" {
		r, err := relay.NewRedis(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return exitRuntime, err
		}
		defer func() { _ = r.Close() }()
		if err := hub.ConnectRelay(r); err != nil {
			return exitRuntime, err
		}
	}
	go hub.Run()

	dispatcher := server.NewDispatcher(hub, service, tokens, server.WithLookupTimeout(cfg.StoreTimeout))
	handler := server.NewHandler(hub, dispatcher, server.NewOriginPolicy(cfg.Origins()))
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handler))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer)
	}()

	log.Info().
		Str("module", "main").
		Str("instance", hub.InstanceID()).
		Str("scope", cfg.BroadcastScope).
		Msg("vibechat started")

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = hub.Shutdown(shutdownTimeout)
			return exitRuntime, fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Str("module", "main").Msg("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("http shutdown")
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("hub shutdown")
	}
	return exitOK, nil
}

// openBackend uses SQLite at path, or process memory when path is empty or
// "memory".
func openBackend(path string) (backend, error) {
	if path == "" || path == "memory" {
		log.Warn().Str("module", "main").Msg("using in-memory store, data is lost on exit")
		return memoryBackend{store.NewMemory()}, nil
	}
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func seedDatabase(ctx context.Context, db backend, tokens *auth.Validator) (int, error) {
	seeded, err := store.Seed(ctx, db)
	if err != nil {
		return exitRuntime, fmt.Errorf("seed: %w", err)
	}
	for _, user := range []chat.User{seeded.Admin, seeded.Member} {
		token, err := sign(tokens, user)
		if err != nil {
			return exitRuntime, err
		}
		fmt.Printf("%s (id %d): %s\n", user.Username, user.ID, token)
	}
	fmt.Printf("channel %q (id %d)\n", seeded.Channel.Name, seeded.Channel.ID)
	return exitOK, nil
}

func printToken(ctx context.Context, db backend, tokens *auth.Validator, id chat.UserID) (int, error) {
	user, err := db.FindUser(ctx, id)
	if err != nil {
		return exitRuntime, err
	}
	token, err := sign(tokens, user)
	if err != nil {
		return exitRuntime, err
	}
	fmt.Println(token)
	return exitOK, nil
}

func sign(tokens *auth.Validator, user chat.User) (string, error) {
	return tokens.Sign(auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
		},
	})
}
