package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultPort           = ":8080"
	defaultOrigin         = "http://localhost:8080"
	defaultMaxMessageSize = 8192
	defaultRateBurst      = 5
	defaultRateRefill     = time.Second
	defaultStoreTimeout   = 5 * time.Second
	defaultMaxBodyLength  = 4000
	defaultSendQueueSize  = 256
	defaultRedisChannel   = "vibechat:events"
)

// Broadcast scopes.
const (
	ScopeAll     = "all"
	ScopeChannel = "channel"
)

// Send queue overflow policies.
const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop_oldest"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds every runtime setting of the chat server. Values come from the
// environment, optionally seeded by a .env file.
type Config struct {
	Port               string        `env:"SERVER_PORT,default=:8080"`
	AllowedOrigins     string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize     int           `env:"MAX_MESSAGE_SIZE,default=8192" validate:"gt=0"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST,default=5" validate:"gt=0"`
	RateLimitRefill    time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s" validate:"gt=0"`
	Secret             string        `env:"SECRET_MESSAGE" validate:"required"`
	TokenRequireExpiry bool          `env:"TOKEN_REQUIRE_EXPIRY,default=false"`
	DatabasePath       string        `env:"DATABASE_PATH,default=vibechat.db"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT,default=5s" validate:"gt=0"`
	MaxBodyLength      int           `env:"MAX_BODY_LENGTH,default=4000" validate:"gt=0"`
	SendQueueSize      int           `env:"SEND_QUEUE_SIZE,default=256" validate:"gt=0"`
	SendOverflowPolicy string        `env:"SEND_OVERFLOW_POLICY,default=disconnect" validate:"oneof=disconnect drop_oldest"`
	BroadcastScope     string        `env:"BROADCAST_SCOPE,default=all" validate:"oneof=all channel"`
	RedisAddr          string        `env:"REDIS_ADDR"`
	RedisChannel       string        `env:"REDIS_CHANNEL,default=vibechat:events"`
	LogLevel           string        `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	LogFormat          string        `env:"LOG_FORMAT,default=console" validate:"oneof=console json"`
}

// NewConfig creates a Config populated with default values. The secret is
// left empty and must be provided by the caller.
func NewConfig() *Config {
	cfg := sanitizeConfig(Config{})
	return &cfg
}

// LoadConfig reads .env (when present) and the process environment, fills in
// defaults and validates the result.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = defaultOrigin
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateBurst
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = defaultRateRefill
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = defaultMaxBodyLength
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.SendOverflowPolicy == "" {
		cfg.SendOverflowPolicy = OverflowDisconnect
	}
	if cfg.BroadcastScope == "" {
		cfg.BroadcastScope = ScopeAll
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = defaultRedisChannel
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	cfg.SendOverflowPolicy = strings.ToLower(strings.TrimSpace(cfg.SendOverflowPolicy))
	cfg.BroadcastScope = strings.ToLower(strings.TrimSpace(cfg.BroadcastScope))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	return cfg
}

// Origins returns the configured origin allow-list.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// ClientLimits returns the per-connection limits derived from the config.
func (c Config) ClientLimits() ClientLimits {
	return ClientLimits{
		MaxMessageSize: int64(c.MaxMessageSize),
		SendQueueSize:  c.SendQueueSize,
		RateLimit: RateLimitConfig{
			Burst:          c.RateLimitBurst,
			RefillInterval: c.RateLimitRefill,
		},
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
