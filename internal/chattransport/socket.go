// Package chattransport defines the abstract Chat Transport capability set
// the Session Manager depends on (§6.1) and a gorilla/websocket-backed
// implementation that speaks to an external chat-protocol bridge process.
// The interface replaces the upstream library's dynamic event-emitter with
// an explicit, typed event channel per §9's re-architecture notes.
package chattransport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotAuthenticated is returned by Send when the socket has no
// authenticated user principal yet (§4.7 step 6).
var ErrNotAuthenticated = errors.New("chattransport: socket not authenticated")

// MessageKey identifies one inbound message for ReadMessages/GetMessage.
type MessageKey struct {
	ID        string `json:"id"`
	RemoteJid string `json:"remoteJid"`
}

// Socket is one live connection to the chat transport for a single Device.
// Implementations must be safe for the caller's single dispatcher goroutine
// per device (§5); Socket itself is not required to be safe for concurrent
// use from multiple goroutines.
type Socket interface {
	// Send sends a text message and returns the transport's message id.
	Send(ctx context.Context, to, text string) (messageID string, err error)
	// SendPresence emits a presence signal ("composing", "paused",
	// "available") for the given jid.
	SendPresence(ctx context.Context, presence, jid string) error
	// ReadMessages marks the given keys as read.
	ReadMessages(ctx context.Context, keys []MessageKey) error
	// AuthenticatedUser returns this socket's own address once the
	// connection has opened, or ok=false before that.
	AuthenticatedUser() (jid string, ok bool)
	// End tears the socket down, optionally attributing a reason.
	End(reason error)
	// Events returns the typed event stream for this socket (§9).
	Events() <-chan Event
}

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventCredsUpdate EventKind = iota
	EventConnectionUpdate
	EventMessagesUpsert
)

// ConnectionState is the transport-level connection phase reported inside a
// ConnectionUpdate event.
type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionOpen
	ConnectionClose
)

// CloseReason classifies why a connection closed (§4.4 event table).
type CloseReason struct {
	// LoggedOut is true when the peer explicitly logged the device out;
	// the Session Manager must not reconnect in that case.
	LoggedOut bool
	Message   string
}

// ConnectionUpdate is the payload of an EventConnectionUpdate event.
type ConnectionUpdate struct {
	State ConnectionState
	// Qr is set only when State == ConnectionConnecting and the transport
	// has a fresh pairing code to display.
	Qr          *string
	CloseReason *CloseReason
}

// MessagesUpsert is the payload of an EventMessagesUpsert event.
type MessagesUpsert struct {
	// Type is "notify" for newly-arrived messages; other values are
	// ignored by the Session Manager (§4.4).
	Type     string
	Messages []InboundMessage
}

// InboundMessage is the raw envelope shape carried by MessagesUpsert,
// forwarded as-is to the Normalizer (§4.3).
type InboundMessage struct {
	Key                   MessageKey `json:"key"`
	FromMe                bool       `json:"fromMe,omitempty"`
	Participant           *string    `json:"participant,omitempty"`
	SenderPn              *string    `json:"senderPn,omitempty"`
	MessageJSON           json.RawMessage `json:"message,omitempty"` // raw decoded message payload, opaque to the transport
	MessageStubType       *string    `json:"messageStubType,omitempty"`
	MessageStubParameters []string   `json:"messageStubParameters,omitempty"`
	MessageTimestamp      *int64     `json:"messageTimestamp,omitempty"`
}

// Event is one item on a Socket's event stream; exactly one of the typed
// fields is populated, selected by Kind.
type Event struct {
	Kind             EventKind
	// Creds is the updated credential blob for EventCredsUpdate.
	Creds            []byte
	ConnectionUpdate *ConnectionUpdate
	MessagesUpsert   *MessagesUpsert
}

// AuthState is the loaded authentication-state facade a Dialer needs to
// construct a socket (backed by internal/authstate.State).
type AuthState interface {
	// Marshal serializes the full creds+keys state for the bridge's initial
	// handshake frame.
	Marshal() ([]byte, error)
}

// GetMessageFunc looks up a previously observed raw message by key, used by
// the transport to resolve retry/decrypt requests (§6.1).
type GetMessageFunc func(key MessageKey) (raw []byte, ok bool)

// ProtocolVersion is the transport's negotiated protocol version pair,
// cached lazily by the Dialer (§4.4: "a resolved protocol version (cached
// lazily)").
type ProtocolVersion struct {
	Major, Minor int
}

// Dialer constructs Sockets. Implementations: WebSocketDialer (production,
// talks to an external bridge process) and the fake dialer in
// chattransporttest (unit tests).
type Dialer interface {
	Connect(ctx context.Context, deviceID string, state AuthState, getMessage GetMessageFunc) (Socket, error)
	// ProtocolVersion returns the cached negotiated version, resolving it on
	// first call.
	ProtocolVersion(ctx context.Context) (ProtocolVersion, error)
}
