// Package chat holds the message mutation rules of the chat core: who may
// send, edit and remove messages, and how those operations reach storage.
package chat

import "time"

type (
	UserID    int64
	ChannelID int64
	MessageID int64
)

// AdminPermission is the permission id carried by global administrators.
const AdminPermission = 1

// User is the identity a token resolves to.
type User struct {
	ID           UserID `json:"user_id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PermissionID int    `json:"permission_id"`
}

// IsAdmin reports whether the user holds the global admin permission.
func (u User) IsAdmin() bool {
	return u.PermissionID == AdminPermission
}

// Channel groups members and the messages they exchange.
type Channel struct {
	ID      ChannelID
	Name    string
	Members []UserID
}

// Message belongs to exactly one channel for its whole life.
type Message struct {
	ID        MessageID
	ChannelID ChannelID
	AuthorID  UserID
	Body      string
	CreatedAt time.Time
	EditedAt  *time.Time
}

// Draft is a message that has not been assigned an id yet.
type Draft struct {
	ChannelID ChannelID
	AuthorID  UserID
	Body      string
}

// Result is returned by every successful mutation. Actor is the user the
// token resolved to, Message the message as it stands after the operation.
type Result struct {
	Actor   User
	Message Message
}
