//go:generate go run go.uber.org/mock/mockgen -source=ports.go -destination=../mocks/mock_ports.go -package=mocks
package chat

import "context"

// MessageStore persists messages. FindByID, Edit and Delete return an error
// wrapping ErrNotFound when the id does not resolve.
type MessageStore interface {
	Create(ctx context.Context, draft Draft) (Message, error)
	Edit(ctx context.Context, id MessageID, body string) (Message, error)
	Delete(ctx context.Context, id MessageID) error
	FindByID(ctx context.Context, id MessageID) (Message, error)
}

// MembershipOracle answers channel membership and admin questions.
// A channel that does not exist has no members.
type MembershipOracle interface {
	IsMember(ctx context.Context, userID UserID, channelID ChannelID) (bool, error)
	IsAdmin(ctx context.Context, userID UserID) (bool, error)
	Members(ctx context.Context, channelID ChannelID) ([]UserID, error)
}

// UserDirectory looks users up by id, returning ErrNotFound for unknown ids.
type UserDirectory interface {
	FindUser(ctx context.Context, id UserID) (User, error)
}

// Authenticator turns a bearer token into the user it names.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (User, error)
}
