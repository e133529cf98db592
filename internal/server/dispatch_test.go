package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/Tyrowin/vibechat/internal/chat"
	"github.com/Tyrowin/vibechat/internal/mocks"
	"github.com/Tyrowin/vibechat/internal/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestDispatcher_SendThenForeignEdit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob, err := f.store.CreateUser(context.Background(), chat.User{Username: "bob", Email: "bob@vibe.local"})
	req.NoError(err)
	req.NoError(f.store.AddMember(context.Background(), bob.ID, f.seeded.Channel.ID))

	a, b, c := f.connect(t), f.connect(t), f.connect(t)

	f.emit(a, server.EventSendMessage, map[string]any{
		"token":      f.token(t, f.seeded.Member),
		"channel_id": f.seeded.Channel.ID,
		"body":       "hi",
	})

	var sent server.MessageNotice
	for _, conn := range []*server.Client{a, b, c} {
		frame := next(t, conn)
		req.Equal(server.EventReceiveMessage, frame.Event)
		req.Equal("The server says: someone has sent a new message", frame.Message)
		frame.Decode(t, &sent)
		req.Equal(f.seeded.Channel.ID, sent.ChannelID)
		req.Positive(int64(sent.MessageID))
	}
	req.Equal(server.StateAuthenticated, a.State())
	req.Equal(server.StateConnected, b.State())

	f.emit(b, server.EventEditMessage, map[string]any{
		"token":      f.token(t, bob),
		"message_id": sent.MessageID,
		"body":       "bye",
	})

	notice := errorNotice(t, next(t, b))
	req.Equal(chat.CodeAuthorization, notice.Code)
	req.Equal(server.EventEditMessage, notice.Event)
	silent(t, a)
	silent(t, c)

	msg, err := f.store.FindByID(context.Background(), sent.MessageID)
	req.NoError(err)
	req.Equal("hi", msg.Body)
}

func TestDispatcher_FailuresStayWithSender(t *testing.T) {
	f := newFixture(t)

	t.Run("should not broadcast a send from a non-member", func(t *testing.T) {
		req := require.New(t)
		sender, other := f.connect(t), f.connect(t)

		f.emit(sender, server.EventSendMessage, map[string]any{
			"token":      f.token(t, f.outsider),
			"channel_id": f.seeded.Channel.ID,
			"body":       "let me in",
		})

		req.Equal(chat.CodeAuthorization, errorNotice(t, next(t, sender)).Code)
		silent(t, other)
	})

	t.Run("should report an invalid token as an auth error", func(t *testing.T) {
		req := require.New(t)
		sender := f.connect(t)

		f.emit(sender, server.EventSendMessage, map[string]any{
			"token":      "garbage",
			"channel_id": f.seeded.Channel.ID,
			"body":       "hello",
		})

		notice := errorNotice(t, next(t, sender))
		req.Equal(chat.CodeAuth, notice.Code)
		req.Equal("token is invalid", notice.Message)
		req.Equal(server.StateConnected, sender.State())
	})

	t.Run("should reject malformed events", func(t *testing.T) {
		req := require.New(t)
		sender := f.connect(t)

		f.emit(sender, "shout", map[string]any{})
		req.Equal(chat.CodeBadRequest, errorNotice(t, next(t, sender)).Code)

		f.dispatcher.HandleEvent(context.Background(), sender, server.InboundEvent{Event: server.EventSendMessage, Data: []byte(`"nope"`)})
		req.Equal(chat.CodeBadRequest, errorNotice(t, next(t, sender)).Code)

		f.emit(sender, server.EventRemoveMessage, map[string]any{"token": f.token(t, f.seeded.Admin), "message_id": 0})
		req.Equal(chat.CodeNotFound, errorNotice(t, next(t, sender)).Code)
	})

	t.Run("should reject blank bodies", func(t *testing.T) {
		req := require.New(t)
		sender, other := f.connect(t), f.connect(t)

		f.emit(sender, server.EventSendMessage, map[string]any{
			"token":      f.token(t, f.seeded.Member),
			"channel_id": f.seeded.Channel.ID,
			"body":       "   ",
		})

		req.Equal(chat.CodeValidation, errorNotice(t, next(t, sender)).Code)
		silent(t, other)
	})
}

func TestDispatcher_BroadcastOnlyFollowsSuccess(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	sender, observer := f.connect(t), f.connect(t)

	attempts := []struct {
		token string
		body  string
		ok    bool
	}{
		{f.token(t, f.seeded.Member), "one", true},
		{f.token(t, f.outsider), "two", false},
		{"expired-or-worse", "three", false},
		{f.token(t, f.seeded.Admin), "four", true},
		{f.token(t, f.seeded.Member), "", false},
	}

	broadcasts, errs := 0, 0
	for _, a := range attempts {
		f.emit(sender, server.EventSendMessage, map[string]any{
			"token":      a.token,
			"channel_id": f.seeded.Channel.ID,
			"body":       a.body,
		})
		frame := next(t, sender)
		if frame.Event == server.EventError {
			errs++
			req.False(a.ok, "body %q should have been accepted", a.body)
			continue
		}
		broadcasts++
		req.True(a.ok)
		req.Equal(server.EventReceiveMessage, next(t, observer).Event)
	}

	req.Equal(2, broadcasts)
	req.Equal(3, errs)
	silent(t, observer)
}

func TestDispatcher_RemoveTwice(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	author, observer := f.connect(t), f.connect(t)
	token := f.token(t, f.seeded.Member)

	f.emit(author, server.EventSendMessage, map[string]any{"token": token, "channel_id": f.seeded.Channel.ID, "body": "soon gone"})
	var sent server.MessageNotice
	next(t, author).Decode(t, &sent)
	next(t, observer)

	f.emit(author, server.EventRemoveMessage, map[string]any{"token": token, "message_id": sent.MessageID})
	for _, c := range []*server.Client{author, observer} {
		frame := next(t, c)
		req.Equal(server.EventMessageRemoved, frame.Event)
		req.Equal("The server says: someone has deleted a message", frame.Message)
	}

	f.emit(author, server.EventRemoveMessage, map[string]any{"token": token, "message_id": sent.MessageID})
	req.Equal(chat.CodeNotFound, errorNotice(t, next(t, author)).Code)
	silent(t, observer)
}

func TestDispatcher_AdminEdit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	author, admin := f.connect(t), f.connect(t)

	f.emit(author, server.EventSendMessage, map[string]any{
		"token":      f.token(t, f.seeded.Member),
		"channel_id": f.seeded.Channel.ID,
		"message":    "legacy key",
	})
	var sent server.MessageNotice
	next(t, author).Decode(t, &sent)
	next(t, admin)

	f.emit(admin, server.EventEditMessage, map[string]any{
		"token":      f.token(t, f.seeded.Admin),
		"message_id": sent.MessageID,
		"body":       "moderated",
	})

	for _, c := range []*server.Client{author, admin} {
		frame := next(t, c)
		req.Equal(server.EventMessageEdited, frame.Event)
		var edited server.MessageNotice
		frame.Decode(t, &edited)
		req.Equal(sent.MessageID, edited.MessageID)
		req.Equal(sent.ChannelID, edited.ChannelID)
		req.Equal("moderated", edited.Body)
	}
}

func TestDispatcher_Typing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	conns := []*server.Client{f.connect(t), f.connect(t), f.connect(t), f.connect(t)}
	typist := conns[0]

	f.emit(typist, server.EventStartedTyping, map[string]any{"channel_id": f.seeded.Channel.ID})

	for _, c := range conns[1:] {
		frame := next(t, c)
		req.Equal(server.EventShowTyping, frame.Event)
		var notice server.TypingNotice
		frame.Decode(t, &notice)
		req.Equal(f.seeded.Channel.ID, notice.ChannelID)
	}
	silent(t, typist)

	f.dispatcher.HandleEvent(context.Background(), typist, server.InboundEvent{Event: server.EventStoppedTyping})
	for _, c := range conns[1:] {
		req.Equal(server.EventHideTyping, next(t, c).Event)
	}
	silent(t, typist)
	req.Equal(server.StateConnected, typist.State())
}

func TestDispatcher_Authenticate(t *testing.T) {
	f := newFixture(t)

	t.Run("should mark the connection authenticated", func(t *testing.T) {
		req := require.New(t)
		c := f.connect(t)

		f.emit(c, server.EventAuthenticate, map[string]any{"token": f.token(t, f.seeded.Member)})

		frame := next(t, c)
		req.Equal(server.EventAuthenticated, frame.Event)
		var notice server.AuthenticatedNotice
		frame.Decode(t, &notice)
		req.Equal(f.seeded.Member.ID, notice.UserID)
		req.Equal(server.StateAuthenticated, c.State())
		req.Equal(f.seeded.Member.ID, c.User().ID)
	})

	t.Run("should leave the connection anonymous on a bad token", func(t *testing.T) {
		req := require.New(t)
		c := f.connect(t)

		f.emit(c, server.EventAuthenticate, map[string]any{"token": "bad"})

		req.Equal(chat.CodeAuth, errorNotice(t, next(t, c)).Code)
		req.Nil(c.User())
	})
}

func TestDispatcher_IdsJudgedAfterToken(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		name  string
		event string
		data  func() map[string]any
		code  string
	}{
		{
			name:  "should report a bad token before a zero channel",
			event: server.EventSendMessage,
			data: func() map[string]any {
				return map[string]any{"token": "garbage", "channel_id": 0, "body": "hi"}
			},
			code: chat.CodeAuth,
		},
		{
			name:  "should refuse a member sending to a negative channel",
			event: server.EventSendMessage,
			data: func() map[string]any {
				return map[string]any{"token": f.token(t, f.seeded.Member), "channel_id": -1, "body": "hi"}
			},
			code: chat.CodeAuthorization,
		},
		{
			name:  "should refuse a send without a channel",
			event: server.EventSendMessage,
			data: func() map[string]any {
				return map[string]any{"token": f.token(t, f.seeded.Member), "body": "hi"}
			},
			code: chat.CodeAuthorization,
		},
		{
			name:  "should report a zero message as not found",
			event: server.EventRemoveMessage,
			data: func() map[string]any {
				return map[string]any{"token": f.token(t, f.seeded.Admin), "message_id": 0}
			},
			code: chat.CodeNotFound,
		},
		{
			name:  "should report a bad token before a negative message",
			event: server.EventEditMessage,
			data: func() map[string]any {
				return map[string]any{"token": "garbage", "message_id": -5, "body": "bye"}
			},
			code: chat.CodeAuth,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			sender, other := f.connect(t), f.connect(t)

			f.emit(sender, tc.event, tc.data())

			notice := errorNotice(t, next(t, sender))
			req.Equal(tc.code, notice.Code)
			req.Equal(tc.event, notice.Event)
			silent(t, other)
		})
	}
}

func TestDispatcher_RepliesKeepOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	sender := f.connect(t)
	token := f.token(t, f.seeded.Member)

	for range 20 {
		f.emit(sender, server.EventSendMessage, map[string]any{"token": token, "channel_id": f.seeded.Channel.ID, "body": "first"})
		f.emit(sender, server.EventEditMessage, map[string]any{"token": "garbage", "message_id": 1, "body": "second"})

		req.Equal(server.EventReceiveMessage, next(t, sender).Event)
		req.Equal(server.EventError, next(t, sender).Event)
	}
}

func TestDispatcher_LookupTimeout(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	f := newFixture(t)

	// Given an authenticator that never answers
	slow := mocks.NewMockAuthenticator(ctrl)
	slow.EXPECT().Authenticate(gomock.Any(), "tok").
		DoAndReturn(func(ctx context.Context, _ string) (chat.User, error) {
			<-ctx.Done()
			return chat.User{}, ctx.Err()
		})
	dispatcher := server.NewDispatcher(f.hub, nil, slow, server.WithLookupTimeout(20*time.Millisecond))
	c := f.connect(t)

	// When the connection authenticates
	start := time.Now()
	dispatcher.HandleEvent(context.Background(), c, server.InboundEvent{Event: server.EventAuthenticate, Data: []byte(`{"token":"tok"}`)})

	// Then the configured timeout applies
	req.Less(time.Since(start), time.Second)
	req.Equal(chat.CodeTimeout, errorNotice(t, next(t, c)).Code)
	req.Nil(c.User())
}
