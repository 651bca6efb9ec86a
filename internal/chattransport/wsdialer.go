package chattransport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultBridgeURL is the well-known local address of the chat-protocol
// bridge sidecar this engine dials. The engine never embeds transport
// protocol internals itself — it only speaks this bridge's small JSON
// framing over a websocket connection, matching the teacher's own
// read/write-pump proxying pattern.
const DefaultBridgeURL = "ws://127.0.0.1:8765/bridge"

// WebSocketDialer implements Dialer by opening one gorilla/websocket
// connection per device to the configured bridge and running a read pump
// for it (writes are serialized by a mutex, not a write pump), adapted from
// the teacher's internal/websocket proxy.
type WebSocketDialer struct {
	bridgeURL string
	dial      websocket.Dialer

	mu       sync.Mutex
	protocol *ProtocolVersion
}

// NewWebSocketDialer returns a Dialer that connects to bridgeURL for every
// device. An empty bridgeURL falls back to DefaultBridgeURL.
func NewWebSocketDialer(bridgeURL string) *WebSocketDialer {
	if bridgeURL == "" {
		bridgeURL = DefaultBridgeURL
	}
	return &WebSocketDialer{
		bridgeURL: bridgeURL,
		dial:      websocket.Dialer{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ProtocolVersion resolves the bridge protocol version on first call and
// caches it. The value is a fixed default pair; no handshake response
// updates it.
func (d *WebSocketDialer) ProtocolVersion(ctx context.Context) (ProtocolVersion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.protocol != nil {
		return *d.protocol, nil
	}
	// No probe connection is made and Connect does not touch this cache:
	// the last known stable pair is returned as is.
	v := ProtocolVersion{Major: 2, Minor: 3000}
	d.protocol = &v
	return v, nil
}

// frame is the wire envelope exchanged with the bridge in both directions.
type frame struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"requestId,omitempty"`
	To         string            `json:"to,omitempty"`
	Text       string            `json:"text,omitempty"`
	Presence   string            `json:"presence,omitempty"`
	Jid        string            `json:"jid,omitempty"`
	Keys       []MessageKey      `json:"keys,omitempty"`
	AuthState  json.RawMessage   `json:"authState,omitempty"`
	Creds      json.RawMessage   `json:"creds,omitempty"`
	MessageID  string            `json:"messageId,omitempty"`
	Error      string            `json:"error,omitempty"`
	Qr         *string           `json:"qr,omitempty"`
	State      string            `json:"state,omitempty"`
	LoggedOut  bool              `json:"loggedOut,omitempty"`
	UpsertType string            `json:"upsertType,omitempty"`
	Messages   []InboundMessage  `json:"messages,omitempty"`
}

// Connect dials the bridge, sends the initial handshake frame carrying the
// marshaled auth state, and starts the read pump.
func (d *WebSocketDialer) Connect(ctx context.Context, deviceID string, state AuthState, getMessage GetMessageFunc) (Socket, error) {
	conn, _, err := d.dial.DialContext(ctx, d.bridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("chattransport: dial bridge: %w", err)
	}

	authJSON, err := state.Marshal()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("chattransport: marshal auth state: %w", err)
	}

	if err := conn.WriteJSON(frame{Type: "connect", RequestID: deviceID, AuthState: authJSON}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chattransport: send handshake: %w", err)
	}

	s := &wsSocket{
		conn:       conn,
		deviceID:   deviceID,
		getMessage: getMessage,
		events:     make(chan Event, 32),
		pending:    make(map[string]chan frame),
	}
	go s.readPump()
	return s, nil
}

// wsSocket is the production Socket implementation: one goroutine reads
// bridge frames and either resolves a pending request or emits a typed
// Event, mirroring the teacher's proxyMessages pump but decoding JSON
// instead of blind byte forwarding.
type wsSocket struct {
	conn       *websocket.Conn
	deviceID   string
	getMessage GetMessageFunc
	events     chan Event

	mu       sync.Mutex
	closed   bool
	authJid  string
	authed   bool
	pending  map[string]chan frame
	closeOne sync.Once
}

func (s *wsSocket) Send(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	s.mu.Unlock()

	reqID := fmt.Sprintf("%s-%d", s.deviceID, time.Now().UnixNano())
	reply := s.registerPending(reqID)
	defer s.unregisterPending(reqID)

	if err := s.writeFrame(frame{Type: "send_message", RequestID: reqID, To: to, Text: text}); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case f := <-reply:
		if f.Error != "" {
			return "", fmt.Errorf("chattransport: send failed: %s", f.Error)
		}
		return f.MessageID, nil
	}
}

func (s *wsSocket) SendPresence(ctx context.Context, presence, jid string) error {
	return s.writeFrame(frame{Type: "presence", Presence: presence, Jid: jid})
}

func (s *wsSocket) ReadMessages(ctx context.Context, keys []MessageKey) error {
	return s.writeFrame(frame{Type: "read", Keys: keys})
}

func (s *wsSocket) AuthenticatedUser() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authJid, s.authed
}

func (s *wsSocket) End(reason error) {
	s.closeOne.Do(func() {
		msg := ""
		if reason != nil {
			msg = reason.Error()
		}
		_ = s.writeFrame(frame{Type: "end", Error: msg})
		s.conn.Close()
	})
}

func (s *wsSocket) Events() <-chan Event { return s.events }

func (s *wsSocket) writeFrame(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	return s.conn.WriteJSON(f)
}

func (s *wsSocket) registerPending(id string) chan frame {
	ch := make(chan frame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *wsSocket) unregisterPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readPump decodes bridge frames until the connection closes, dispatching
// each either to a waiting request-reply channel or onto the Events stream.
func (s *wsSocket) readPump() {
	defer close(s.events)
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}()

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !isCloseError(err) {
				s.events <- Event{
					Kind: EventConnectionUpdate,
					ConnectionUpdate: &ConnectionUpdate{
						State:       ConnectionClose,
						CloseReason: &CloseReason{Message: err.Error()},
					},
				}
			}
			return
		}

		switch f.Type {
		case "ack":
			s.mu.Lock()
			ch, ok := s.pending[f.RequestID]
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case "creds_update":
			s.events <- Event{Kind: EventCredsUpdate, Creds: []byte(f.Creds)}
		case "connection_update":
			s.dispatchConnectionUpdate(f)
		case "messages_upsert":
			s.events <- Event{Kind: EventMessagesUpsert, MessagesUpsert: &MessagesUpsert{Type: f.UpsertType, Messages: f.Messages}}
		}
	}
}

func (s *wsSocket) dispatchConnectionUpdate(f frame) {
	update := &ConnectionUpdate{Qr: f.Qr}
	switch f.State {
	case "connecting":
		update.State = ConnectionConnecting
	case "open":
		update.State = ConnectionOpen
		s.mu.Lock()
		s.authed = true
		s.authJid = f.Jid
		s.mu.Unlock()
	case "close":
		update.State = ConnectionClose
		update.CloseReason = &CloseReason{LoggedOut: f.LoggedOut, Message: f.Error}
	}
	s.events <- Event{Kind: EventConnectionUpdate, ConnectionUpdate: update}
}

// isCloseError classifies a normal/going-away websocket close so the read
// pump doesn't log it as an unexpected failure.
func isCloseError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
