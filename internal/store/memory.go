// Package store provides the message store, membership oracle and user
// directory used by the chat core.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/samber/lo"
)

// Memory keeps everything in process memory. Every method takes the same
// lock, so mutations of one message never interleave.
type Memory struct {
	mu          sync.RWMutex
	users       map[chat.UserID]chat.User
	channels    map[chat.ChannelID]*chat.Channel
	messages    map[chat.MessageID]chat.Message
	lastUser    chat.UserID
	lastChannel chat.ChannelID
	lastMessage chat.MessageID
	now         func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[chat.UserID]chat.User),
		channels: make(map[chat.ChannelID]*chat.Channel),
		messages: make(map[chat.MessageID]chat.Message),
		now:      time.Now,
	}
}

// CreateUser assigns an id. Emails are unique.
func (m *Memory) CreateUser(_ context.Context, user chat.User) (chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Email == user.Email {
			return chat.User{}, fmt.Errorf("%w: email %q already registered", chat.ErrValidation, user.Email)
		}
	}
	if user.PermissionID == 0 {
		user.PermissionID = defaultPermission
	}
	m.lastUser++
	user.ID = m.lastUser
	m.users[user.ID] = user
	return user, nil
}

// DeleteUser removes the user and its channel memberships.
func (m *Memory) DeleteUser(_ context.Context, id chat.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return fmt.Errorf("user %d: %w", id, chat.ErrNotFound)
	}
	delete(m.users, id)
	for _, ch := range m.channels {
		ch.Members = lo.Without(ch.Members, id)
	}
	return nil
}

// CreateChannel adds an empty channel.
func (m *Memory) CreateChannel(_ context.Context, name string) (chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastChannel++
	ch := &chat.Channel{ID: m.lastChannel, Name: name}
	m.channels[ch.ID] = ch
	return *ch, nil
}

// AddMember puts userID in channelID. Adding twice is a no-op.
func (m *Memory) AddMember(_ context.Context, userID chat.UserID, channelID chat.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %d: %w", channelID, chat.ErrNotFound)
	}
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %d: %w", userID, chat.ErrNotFound)
	}
	if !lo.Contains(ch.Members, userID) {
		ch.Members = append(ch.Members, userID)
	}
	return nil
}

// FindUser implements chat.UserDirectory.
func (m *Memory) FindUser(_ context.Context, id chat.UserID) (chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return chat.User{}, fmt.Errorf("user %d: %w", id, chat.ErrNotFound)
	}
	return user, nil
}

// IsMember reports false for unknown channels.
func (m *Memory) IsMember(_ context.Context, userID chat.UserID, channelID chat.ChannelID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[channelID]
	return ok && lo.Contains(ch.Members, userID), nil
}

// IsAdmin reports false for unknown users.
func (m *Memory) IsAdmin(_ context.Context, userID chat.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.users[userID].IsAdmin(), nil
}

// Members lists the users of channelID.
func (m *Memory) Members(_ context.Context, channelID chat.ChannelID) ([]chat.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return nil, nil
	}
	return append([]chat.UserID(nil), ch.Members...), nil
}

// Create stores a draft under a fresh id.
func (m *Memory) Create(_ context.Context, draft chat.Draft) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[draft.ChannelID]; !ok {
		return chat.Message{}, fmt.Errorf("channel %d: %w", draft.ChannelID, chat.ErrNotFound)
	}
	m.lastMessage++
	msg := chat.Message{
		ID:        m.lastMessage,
		ChannelID: draft.ChannelID,
		AuthorID:  draft.AuthorID,
		Body:      draft.Body,
		CreatedAt: m.now().UTC(),
	}
	m.messages[msg.ID] = msg
	return msg, nil
}

// Edit replaces the body, keeping id and channel.
func (m *Memory) Edit(_ context.Context, id chat.MessageID, body string) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
	}
	msg.Body = body
	msg.EditedAt = lo.ToPtr(m.now().UTC())
	m.messages[id] = msg
	return msg, nil
}

// Delete removes the message for good.
func (m *Memory) Delete(_ context.Context, id chat.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
	}
	delete(m.messages, id)
	return nil
}

// FindByID implements chat.MessageStore.
func (m *Memory) FindByID(_ context.Context, id chat.MessageID) (chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
	}
	return msg, nil
}
