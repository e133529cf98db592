package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	pingTimeout    = 5 * time.Second
)

// Redis relays envelopes over a Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis connects to addr and fails fast when the server is unreachable.
func NewRedis(addr, channel string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().Str("module", "relay").Str("addr", addr).Str("channel", channel).Msg("redis relay connected")
	return &Redis{client: client, channel: channel}, nil
}

// Publish retries transient failures with exponential backoff.
func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	operation := func() error {
		return r.client.Publish(ctx, r.channel, env).Err()
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		log.Warn().Str("module", "relay").Err(err).Dur("retry_in", d).Msg("retrying redis publish")
	})
}

// Subscribe listens on the relay channel until ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	out := make(chan Envelope)

	go func() {
		defer pubsub.Close()
		defer close(out)

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Warn().Str("module", "relay").Err(err).Msg("dropping undecodable envelope")
					continue
				}

				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
