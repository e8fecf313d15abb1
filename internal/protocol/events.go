package protocol

import (
	"fmt"
	"strings"
)

// EventName identifies one protocol event stream emitted by a connection.
type EventName string

const (
	EventConnectionState EventName = "connection-state"
	EventCredsChanged    EventName = "credentials-changed"
	EventMessageUpsert   EventName = "message-upsert"
	EventMessageUpdate   EventName = "message-update"
	EventMessageDelete   EventName = "message-delete"
	EventChatUpdate      EventName = "chat-update"
	EventContactUpdate   EventName = "contact-update"
	EventGroupUpdate     EventName = "group-update"
	EventPresenceUpdate  EventName = "presence-update"
	EventCallUpdate      EventName = "call-update"
)

// KnownEvents returns the fixed set of forwarded protocol event names.
func KnownEvents() []EventName {
	return []EventName{
		EventConnectionState,
		EventCredsChanged,
		EventMessageUpsert,
		EventMessageUpdate,
		EventMessageDelete,
		EventChatUpdate,
		EventContactUpdate,
		EventGroupUpdate,
		EventPresenceUpdate,
		EventCallUpdate,
	}
}

// Event is one protocol emission; Payload is opaque except for the
// connection-state and credentials-changed shapes below.
type Event struct {
	Name    EventName
	Payload any
}

// ConnState is the coarse connection phase reported by the protocol client.
type ConnState string

const (
	ConnStateConnecting ConnState = "connecting"
	ConnStateOpen       ConnState = "open"
	ConnStateClose      ConnState = "close"
)

// CloseReason classifies why a connection closed.
type CloseReason string

const (
	CloseUnknown      CloseReason = "unknown"
	CloseTransient    CloseReason = "transient"
	CloseLoggedOut    CloseReason = "logged_out"
	CloseUnregistered CloseReason = "unregistered"
)

// Permanent reports whether the close reason rules out resuming the session
// with its current credentials.
func (r CloseReason) Permanent() bool {
	return r == CloseLoggedOut || r == CloseUnregistered
}

// ConnectionUpdate is the payload carried on connection-state events.
type ConnectionUpdate struct {
	State       ConnState
	Reason      CloseReason
	QRCode      string
	PairingCode string
}

func (u ConnectionUpdate) Validate() error {
	switch u.State {
	case ConnStateConnecting, ConnStateOpen, ConnStateClose:
	default:
		return fmt.Errorf("%w: state=%q", ErrInvalidUpdate, u.State)
	}
	if u.State == ConnStateClose && strings.TrimSpace(string(u.Reason)) == "" {
		return fmt.Errorf("%w: close without reason", ErrInvalidUpdate)
	}
	return nil
}
