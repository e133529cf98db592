package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/vibechat/internal/chat"
)

// Inbound event names.
const (
	EventSendMessage   = "send_message"
	EventEditMessage   = "edit_message"
	EventRemoveMessage = "remove_message"
	EventStartedTyping = "started_typing"
	EventStoppedTyping = "stopped_typing"
	EventAuthenticate  = "authenticate"
)

// Outbound event names.
const (
	EventReceiveMessage = "receive_message"
	EventMessageEdited  = "message_edited"
	EventMessageRemoved = "message_removed"
	EventShowTyping     = "show_typing_prompt"
	EventHideTyping     = "hide_typing_prompt"
	EventAuthenticated  = "authenticated"
	EventError          = "error"
)

// Notification texts carried next to each broadcast.
const (
	noticeSent    = "The server says: someone has sent a new message"
	noticeEdited  = "The server says: someone has edited a message"
	noticeRemoved = "The server says: someone has deleted a message"
)

// InboundEvent is one frame received from a client.
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// OutboundEvent is one frame sent to a client.
type OutboundEvent struct {
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// MessageNotice is the payload of the three content events. Clients refetch
// the message itself; only edits carry the new body.
type MessageNotice struct {
	ChannelID chat.ChannelID `json:"channel_id"`
	MessageID chat.MessageID `json:"message_id"`
	Body      string         `json:"body,omitempty"`
}

// TypingNotice is the payload of the typing prompts.
type TypingNotice struct {
	ChannelID chat.ChannelID `json:"channel_id,omitempty"`
}

// ErrorNotice is sent to the issuing connection only.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// AuthenticatedNotice confirms an authenticate event.
type AuthenticatedNotice struct {
	UserID   chat.UserID `json:"user_id"`
	Username string      `json:"username"`
}

type sendMessageData struct {
	Token     string         `json:"token"`
	ChannelID chat.ChannelID `json:"channel_id"`
	Body      string         `json:"body"`
	Message   string         `json:"message"`
}

type editMessageData struct {
	Token     string         `json:"token"`
	MessageID chat.MessageID `json:"message_id"`
	Body      string         `json:"body"`
	Message   string         `json:"message"`
}

type removeMessageData struct {
	Token     string         `json:"token"`
	MessageID chat.MessageID `json:"message_id"`
}

type typingData struct {
	ChannelID chat.ChannelID `json:"channel_id"`
}

type authenticateData struct {
	Token string `json:"token"`
}

// text accepts the body under either "body" or the legacy "message" key.
func text(body, message string) string {
	if body != "" {
		return body
	}
	return message
}

// BroadcastMessage is one payload queued for fan-out by the hub.
type BroadcastMessage struct {
	Sender      *Client
	IncludeSelf bool
	ChannelID   chat.ChannelID
	// Scoped limits delivery to members of ChannelID when the hub runs with
	// channel scope.
	Scoped  bool
	Payload []byte

	audience map[chat.UserID]struct{}
	remote   bool
	target   *Client
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
