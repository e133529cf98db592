// Package relay carries hub events between server instances so that
// connections attached to different processes see the same broadcasts.
package relay

import (
	"context"
	"encoding/json"
)

// Envelope is one broadcast as it travels between instances. Origin lets an
// instance skip its own events when they come back from the backplane.
type Envelope struct {
	Origin      string          `json:"origin"`
	ChannelID   int64           `json:"channel_id,omitempty"`
	Scoped      bool            `json:"scoped,omitempty"`
	IncludeSelf bool            `json:"include_self"`
	Payload     json.RawMessage `json:"payload"`
}

// MarshalBinary encodes e as JSON for the Redis client.
func (e Envelope) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary decodes a JSON envelope.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}

// Relay is a fan-out backplane shared by every instance.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	Close() error
}
