// Package server implements the realtime side of the chat.
//
// A Hub fans events out to every live websocket connection. Each Client runs
// a read pump that hands inbound events to a Dispatcher, which applies
// message mutations through the chat service and broadcasts a notification
// only when the mutation succeeded. Typing prompts bypass the service. The
// HTTP surface upgrades /ws requests and serves a health check and a small
// test page.
package server
