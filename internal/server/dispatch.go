package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/vibechat/internal/chat"
)

var errBadRequest = errors.New("bad request")

// MessageMutator is the mutation side the dispatcher drives.
type MessageMutator interface {
	Send(ctx context.Context, token string, channelID chat.ChannelID, body string) (chat.Result, error)
	Edit(ctx context.Context, token string, messageID chat.MessageID, body string) (chat.Result, error)
	Remove(ctx context.Context, token string, messageID chat.MessageID) (chat.Result, error)
}

// Dispatcher turns inbound events into mutations and broadcasts. A failed
// event is reported to the issuing connection and never broadcast.
type Dispatcher struct {
	hub      *Hub
	messages MessageMutator
	auth     chat.Authenticator
	timeout  time.Duration
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLookupTimeout bounds the user lookup of an authenticate event.
func WithLookupTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// NewDispatcher routes connection events to messages and fans the results
// out through hub.
func NewDispatcher(hub *Hub, messages MessageMutator, auth chat.Authenticator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		hub:      hub,
		messages: messages,
		auth:     auth,
		timeout:  defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleEvent implements EventHandler.
func (d *Dispatcher) HandleEvent(ctx context.Context, c *Client, in InboundEvent) {
	err := d.instrument(c, in.Event, func() error {
		return d.route(ctx, c, in)
	})
	if err != nil {
		d.fail(c, in.Event, err)
	}
}

// instrument logs the start, end and duration of one event at debug level.
func (d *Dispatcher) instrument(c *Client, event string, fn func() error) error {
	start := time.Now()
	c.log.Debug().Str("event", event).Msg("event started")

	err := fn()

	c.log.Debug().Str("event", event).Dur("took", time.Since(start)).Bool("ok", err == nil).Msg("event finished")
	return err
}

func (d *Dispatcher) route(ctx context.Context, c *Client, in InboundEvent) error {
	switch in.Event {
	case EventSendMessage:
		return d.onSendMessage(ctx, c, in.Data)
	case EventEditMessage:
		return d.onEditMessage(ctx, c, in.Data)
	case EventRemoveMessage:
		return d.onRemoveMessage(ctx, c, in.Data)
	case EventStartedTyping:
		d.onTyping(c, in.Data, EventShowTyping)
		return nil
	case EventStoppedTyping:
		d.onTyping(c, in.Data, EventHideTyping)
		return nil
	case EventAuthenticate:
		return d.onAuthenticate(ctx, c, in.Data)
	default:
		return fmt.Errorf("%w: unknown event %q", errBadRequest, in.Event)
	}
}

func (d *Dispatcher) onSendMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var data sendMessageData
	if err := decode(raw, &data); err != nil {
		return err
	}

	res, err := d.messages.Send(ctx, data.Token, data.ChannelID, text(data.Body, data.Message))
	if err != nil {
		return err
	}
	c.authenticate(res.Actor)

	d.publish(c, OutboundEvent{
		Event:   EventReceiveMessage,
		Data:    MessageNotice{ChannelID: res.Message.ChannelID, MessageID: res.Message.ID},
		Message: noticeSent,
	}, res.Message.ChannelID, true)
	return nil
}

func (d *Dispatcher) onEditMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var data editMessageData
	if err := decode(raw, &data); err != nil {
		return err
	}

	res, err := d.messages.Edit(ctx, data.Token, data.MessageID, text(data.Body, data.Message))
	if err != nil {
		return err
	}
	c.authenticate(res.Actor)

	d.publish(c, OutboundEvent{
		Event:   EventMessageEdited,
		Data:    MessageNotice{ChannelID: res.Message.ChannelID, MessageID: res.Message.ID, Body: res.Message.Body},
		Message: noticeEdited,
	}, res.Message.ChannelID, true)
	return nil
}

func (d *Dispatcher) onRemoveMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var data removeMessageData
	if err := decode(raw, &data); err != nil {
		return err
	}

	res, err := d.messages.Remove(ctx, data.Token, data.MessageID)
	if err != nil {
		return err
	}
	c.authenticate(res.Actor)

	d.publish(c, OutboundEvent{
		Event:   EventMessageRemoved,
		Data:    MessageNotice{ChannelID: res.Message.ChannelID, MessageID: res.Message.ID},
		Message: noticeRemoved,
	}, res.Message.ChannelID, true)
	return nil
}

// onTyping relays a typing prompt to everyone but the sender. It needs no
// token and a malformed payload is treated as carrying no channel.
func (d *Dispatcher) onTyping(c *Client, raw json.RawMessage, outbound string) {
	var data typingData
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &data)
	}
	if data.ChannelID < 0 {
		data.ChannelID = 0
	}

	d.publish(c, OutboundEvent{Event: outbound, Data: TypingNotice{ChannelID: data.ChannelID}}, data.ChannelID, false)
}

func (d *Dispatcher) onAuthenticate(ctx context.Context, c *Client, raw json.RawMessage) error {
	var data authenticateData
	if err := decode(raw, &data); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	user, err := d.auth.Authenticate(ctx, data.Token)
	if err != nil {
		return err
	}
	c.authenticate(user)
	c.reply(OutboundEvent{Event: EventAuthenticated, Data: AuthenticatedNotice{UserID: user.ID, Username: user.Username}})
	return nil
}

// decode only checks the payload shape. Ids and tokens are judged by the
// service, which reports auth, membership and lookup failures in that order.
func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing event data", errBadRequest)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: malformed event data", errBadRequest)
	}
	return nil
}

// publish broadcasts evt on behalf of c. The sender is included when
// includeSelf is set; channelID > 0 makes the event channel scoped.
func (d *Dispatcher) publish(c *Client, evt OutboundEvent, channelID chat.ChannelID, includeSelf bool) {
	payload, err := json.Marshal(evt)
	if err != nil {
		c.log.Error().Err(err).Str("event", evt.Event).Msg("encoding broadcast")
		return
	}
	d.hub.Publish(BroadcastMessage{
		Sender:      c,
		IncludeSelf: includeSelf,
		ChannelID:   channelID,
		Scoped:      channelID > 0,
		Payload:     payload,
	})
}

// fail reports err to c alone. Internal details stay in the log.
func (d *Dispatcher) fail(c *Client, event string, err error) {
	notice := ErrorNotice{Code: chat.Code(err), Message: chat.PublicMessage(err), Event: event}
	if errors.Is(err, errBadRequest) {
		notice.Code = chat.CodeBadRequest
		notice.Message = strings.TrimPrefix(err.Error(), errBadRequest.Error()+": ")
	}

	if notice.Code == chat.CodeInternal {
		c.log.Error().Err(err).Str("event", event).Msg("event failed")
	} else {
		c.log.Info().Err(err).Str("event", event).Str("code", notice.Code).Msg("event rejected")
	}
	c.reply(OutboundEvent{Event: EventError, Data: notice})
}
