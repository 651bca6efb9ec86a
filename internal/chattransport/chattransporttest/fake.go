// Package chattransporttest provides an in-memory Dialer/Socket pair for
// exercising the Session Manager and Inbound Pipeline without a real
// chat-protocol bridge process.
package chattransporttest

import (
	"context"
	"sync"

	"github.com/relaywire/sessionengine/internal/chattransport"
)

// FakeDialer hands out FakeSockets and records every Connect call, keyed by
// device id, so a test can reach into an already-connected socket.
type FakeDialer struct {
	mu      sync.Mutex
	sockets map[string]*FakeSocket
	// ConnectErr, if set, is returned by Connect instead of a socket.
	ConnectErr error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{sockets: make(map[string]*FakeSocket)}
}

func (d *FakeDialer) Connect(ctx context.Context, deviceID string, state chattransport.AuthState, getMessage chattransport.GetMessageFunc) (chattransport.Socket, error) {
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	s := &FakeSocket{events: make(chan chattransport.Event, 32), sent: nil}
	d.mu.Lock()
	d.sockets[deviceID] = s
	d.mu.Unlock()
	return s, nil
}

func (d *FakeDialer) ProtocolVersion(ctx context.Context) (chattransport.ProtocolVersion, error) {
	return chattransport.ProtocolVersion{Major: 2, Minor: 3000}, nil
}

// Socket returns the socket created for deviceID, or nil if none was.
func (d *FakeDialer) Socket(deviceID string) *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[deviceID]
}

// SentMessage records one Send call observed by a FakeSocket.
type SentMessage struct {
	To, Text string
}

// FakeSocket is a Socket a test can drive by pushing events and inspecting
// sent messages, with no network or goroutines involved.
type FakeSocket struct {
	mu       sync.Mutex
	events   chan chattransport.Event
	sent     []SentMessage
	authJid  string
	authed   bool
	ended    bool
	endedErr error

	// SendErr, if set, is returned by every Send call.
	SendErr error
	// NextMessageID is returned by Send on success; defaults to "fake-msg".
	NextMessageID string
}

func (s *FakeSocket) Send(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed {
		return "", chattransport.ErrNotAuthenticated
	}
	if s.SendErr != nil {
		return "", s.SendErr
	}
	s.sent = append(s.sent, SentMessage{To: to, Text: text})
	if s.NextMessageID != "" {
		return s.NextMessageID, nil
	}
	return "fake-msg", nil
}

func (s *FakeSocket) SendPresence(ctx context.Context, presence, jid string) error {
	return nil
}

func (s *FakeSocket) ReadMessages(ctx context.Context, keys []chattransport.MessageKey) error {
	return nil
}

func (s *FakeSocket) AuthenticatedUser() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authJid, s.authed
}

func (s *FakeSocket) End(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.endedErr = reason
	close(s.events)
}

func (s *FakeSocket) Events() <-chan chattransport.Event { return s.events }

// Sent returns every message this socket was asked to Send, in order.
func (s *FakeSocket) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Ended reports whether End was called, and with what reason.
func (s *FakeSocket) Ended() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.endedErr
}

// PushQR emits a connecting update carrying a pairing code.
func (s *FakeSocket) PushQR(qr string) {
	s.events <- chattransport.Event{
		Kind: chattransport.EventConnectionUpdate,
		ConnectionUpdate: &chattransport.ConnectionUpdate{
			State: chattransport.ConnectionConnecting,
			Qr:    &qr,
		},
	}
}

// PushOpen emits an open update and marks the socket authenticated as jid.
func (s *FakeSocket) PushOpen(jid string) {
	s.mu.Lock()
	s.authed = true
	s.authJid = jid
	s.mu.Unlock()
	s.events <- chattransport.Event{
		Kind:             chattransport.EventConnectionUpdate,
		ConnectionUpdate: &chattransport.ConnectionUpdate{State: chattransport.ConnectionOpen},
	}
}

// PushClose emits a close update, optionally with logged-out set.
func (s *FakeSocket) PushClose(loggedOut bool, message string) {
	s.events <- chattransport.Event{
		Kind: chattransport.EventConnectionUpdate,
		ConnectionUpdate: &chattransport.ConnectionUpdate{
			State:       chattransport.ConnectionClose,
			CloseReason: &chattransport.CloseReason{LoggedOut: loggedOut, Message: message},
		},
	}
}

// PushCredsUpdate emits a creds-update event carrying the given blob.
func (s *FakeSocket) PushCredsUpdate(creds []byte) {
	s.events <- chattransport.Event{Kind: chattransport.EventCredsUpdate, Creds: creds}
}

// PushMessages emits a messages-upsert event of the given upsert type.
func (s *FakeSocket) PushMessages(upsertType string, messages ...chattransport.InboundMessage) {
	s.events <- chattransport.Event{
		Kind:           chattransport.EventMessagesUpsert,
		MessagesUpsert: &chattransport.MessagesUpsert{Type: upsertType, Messages: messages},
	}
}
