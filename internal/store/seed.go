package store

import (
	"context"

	"github.com/Tyrowin/vibechat/internal/chat"
)

// Admin is the write side used to provision users and channels outside the
// realtime path.
type Admin interface {
	CreateUser(ctx context.Context, user chat.User) (chat.User, error)
	CreateChannel(ctx context.Context, name string) (chat.Channel, error)
	AddMember(ctx context.Context, userID chat.UserID, channelID chat.ChannelID) error
}

var (
	_ Admin = (*Memory)(nil)
	_ Admin = (*SQLite)(nil)

	_ chat.MessageStore     = (*Memory)(nil)
	_ chat.MembershipOracle = (*Memory)(nil)
	_ chat.UserDirectory    = (*Memory)(nil)
	_ chat.MessageStore     = (*SQLite)(nil)
	_ chat.MembershipOracle = (*SQLite)(nil)
	_ chat.UserDirectory    = (*SQLite)(nil)
)

// Seeded is what Seed provisioned.
type Seeded struct {
	Admin   chat.User
	Member  chat.User
	Channel chat.Channel
}

// Seed creates an admin, a regular user and a "general" channel holding both.
// It fails with ErrValidation when the users already exist.
func Seed(ctx context.Context, a Admin) (Seeded, error) {
	var out Seeded
	var err error

	out.Admin, err = a.CreateUser(ctx, chat.User{Username: "admin", Email: "admin@vibe.local", PermissionID: chat.AdminPermission})
	if err != nil {
		return Seeded{}, err
	}
	out.Member, err = a.CreateUser(ctx, chat.User{Username: "member", Email: "member@vibe.local"})
	if err != nil {
		return Seeded{}, err
	}
	out.Channel, err = a.CreateChannel(ctx, "general")
	if err != nil {
		return Seeded{}, err
	}
	for _, id := range []chat.UserID{out.Admin.ID, out.Member.ID} {
		if err := a.AddMember(ctx, id, out.Channel.ID); err != nil {
			return Seeded{}, err
		}
	}
	out.Channel.Members = []chat.UserID{out.Admin.ID, out.Member.ID}
	return out, nil
}
