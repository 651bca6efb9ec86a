// Package sessions implements the Session Manager (§4.4): the process-wide
// registry of live chat sessions, their connect/disconnect lifecycle, QR
// propagation, and the transport event-handling state machine.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/db"
)

// ReconnectDelay is the flat backoff the Session Manager applies after a
// non-logged-out socket close (§4.4 failure policy).
const ReconnectDelay = 2 * time.Second

// ReconcileReconnectDelay is the backoff used when the Inbound Pipeline
// signals a desynchronized session (§4.5 step 4b, §4.9's S2 scenario).
const ReconcileReconnectDelay = 5 * time.Second

// recentMessageCacheSize bounds the per-device raw-message cache the
// transport's GetMessageFunc reads from (§6.1).
const recentMessageCacheSize = 256

// Manager is the process-wide live-session registry. The sessions map is
// an owned, mutex-guarded struct (§9 "Shared mutable session registry");
// readers obtain a Handle value, never a pointer into Manager's state.
type Manager struct {
	db       *db.DB
	auth     *authstate.Store
	dialer   chattransport.Dialer
	inbound  InboundProcessor
	ackText  string
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// liveSession is per-session state, not shared across devices (§4.4).
type liveSession struct {
	socket   chattransport.Socket
	deviceID string
	closing  bool // guarded by Manager.mu

	cacheMu sync.Mutex
	cache   map[chattransport.MessageKey][]byte
	cacheQ  []chattransport.MessageKey

	pausedTimer *time.Timer

	statusMu sync.Mutex
	status   db.DeviceStatus

	// handlerMu serializes this device's handler body. The channel-per-device
	// dispatch in eventLoop already guarantees this structurally (one
	// goroutine owns the Events() channel), but the mutex is taken anyway as
	// defense-in-depth, documenting the single-flight invariant for runtimes
	// that don't make the same channel guarantee (§5).
	handlerMu sync.Mutex
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithAckText sets the optional inbound-ack text (§4.5 step 6). An empty
// string (the default) disables the feature.
func WithAckText(text string) Option {
	return func(m *Manager) { m.ackText = text }
}

// NewManager constructs a Manager. inbound may be nil in tests that only
// exercise connection lifecycle, not message delivery.
func NewManager(database *db.DB, auth *authstate.Store, dialer chattransport.Dialer, inbound InboundProcessor, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		db:       database,
		auth:     auth,
		dialer:   dialer,
		inbound:  inbound,
		log:      log,
		sessions: make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect is idempotent: a no-op if a live session already exists for
// deviceID (§4.4). The existence check and the reservation of deviceID's
// slot happen under the same lock acquisition, so two concurrent Connect
// calls for the same device can't both pass the check and both start
// dialing; the loser sees the winner's reservation and returns immediately.
// session.socket is left nil until the dial succeeds, which Get and
// Disconnect treat as "still connecting" rather than a usable session.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if _, exists := m.sessions[deviceID]; exists {
		m.mu.Unlock()
		return nil
	}
	session := &liveSession{deviceID: deviceID, cache: make(map[chattransport.MessageKey][]byte)}
	m.sessions[deviceID] = session
	m.mu.Unlock()

	if err := m.setStatus(ctx, m.log, session, deviceID, db.DeviceStatusOffline, "connect", nil, nil, nil); err != nil {
		m.log.Warn("sessions: failed to set device offline before connect", "deviceId", deviceID, "error", err)
	}

	state, err := m.auth.Load(ctx, deviceID)
	if err != nil {
		m.abandonReservation(deviceID, session)
		return m.markConnectError(ctx, session, deviceID, err)
	}

	socket, err := m.dialer.Connect(ctx, deviceID, state, session.getMessage)
	if err != nil {
		m.abandonReservation(deviceID, session)
		return m.markConnectError(ctx, session, deviceID, err)
	}

	m.mu.Lock()
	session.socket = socket
	m.mu.Unlock()

	go m.eventLoop(deviceID, session, state)
	return nil
}

// abandonReservation removes session's reserved slot after a failed dial,
// freeing deviceID for a later Connect attempt. It only removes the entry
// if session still owns it, so it can't clobber a reservation or live
// session a newer Connect call has since installed.
func (m *Manager) abandonReservation(deviceID string, session *liveSession) {
	m.mu.Lock()
	if current, ok := m.sessions[deviceID]; ok && current == session {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
}

func (m *Manager) markConnectError(ctx context.Context, session *liveSession, deviceID string, cause error) error {
	lastErr := fmt.Sprintf("connect_error: %s", cause)
	if err := m.setStatus(ctx, m.log, session, deviceID, db.DeviceStatusError, "connect_error", nil, &lastErr, nil); err != nil {
		m.log.Error("sessions: failed to annotate device error", "deviceId", deviceID, "error", err)
	}
	return fmt.Errorf("sessions: connect %s: %w", deviceID, cause)
}

// setStatus persists a new Device status and validates the attempted
// transition against ValidTransitions (I3). An unexpected transition (one
// ValidTransitions doesn't list) is logged as a warning, not refused -- the
// transport is the source of truth for connection state, and this model
// exists to catch surprises in the Operational Shell's diagnostic trail,
// not to gate writes.
func (m *Manager) setStatus(ctx context.Context, log *slog.Logger, session *liveSession, deviceID string, to db.DeviceStatus, reason string, qr, lastErr *string, lastSeenAt *time.Time) error {
	session.statusMu.Lock()
	from := session.status
	session.status = to
	session.statusMu.Unlock()

	if from != "" {
		if err := ValidateAndLogTransition(log, deviceID, from, to, reason); err != nil {
			log.Warn("sessions: unexpected device status transition", "error", err)
		}
	}
	return m.db.SetDeviceStatus(ctx, deviceID, to, qr, lastErr, lastSeenAt)
}

// Disconnect marks the entry closing, tears the socket down, removes it
// from the registry, and sets the Device to OFFLINE with no QR. Safe to
// call on unknown devices, and on a device whose Connect is still dialing
// (its reservation is dropped without ever touching a nil socket) (§4.4).
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	session, exists := m.sessions[deviceID]
	var socket chattransport.Socket
	if exists {
		session.closing = true
		socket = session.socket
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	if socket != nil {
		socket.End(nil)
	}

	noQR := ""
	if session != nil {
		return m.setStatus(ctx, m.log, session, deviceID, db.DeviceStatusOffline, "disconnect", &noQR, nil, nil)
	}
	return m.db.SetDeviceStatus(ctx, deviceID, db.DeviceStatusOffline, &noQR, nil, nil)
}

// Get returns the live session handle for deviceID, used by the Outbound
// Dispatcher's lookup (§4.4 `get(deviceId) -> socket | nil`). A device
// whose Connect is still dialing has a reserved entry but no socket yet,
// which Get reports as not found rather than handing back a nil Socket.
func (m *Manager) Get(deviceID string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[deviceID]
	if !ok || session.socket == nil {
		return Handle{}, false
	}
	return Handle{Socket: session.socket, DeviceID: deviceID}, true
}

// ResetSenderSessions implements the `reset-sender-sessions` device command:
// the out-of-band variant that rewrites a device's persisted key buckets
// directly, without requiring a live session (§4.2).
func (m *Manager) ResetSenderSessions(ctx context.Context, deviceID string, jids []string) error {
	return m.auth.ClearSessionsForJids(ctx, deviceID, jids)
}

// eventLoop runs for the lifetime of one device's socket, dispatching
// transport events per §4.4's table. Events for a given device are
// delivered serially here; different devices run this loop concurrently
// (§5). The sessions map is only mutated from inside this goroutine (for
// the entry it owns) and Connect/Disconnect, avoiding the races the map
// would otherwise be exposed to.
func (m *Manager) eventLoop(deviceID string, session *liveSession, state *authstate.State) {
	log := m.log.With("deviceId", deviceID)
	for event := range session.socket.Events() {
		session.handlerMu.Lock()
		func() {
			defer session.handlerMu.Unlock()
			defer func() {
				if r := recover(); r != nil {
					lastErr := fmt.Sprintf("handler_panic: %v", r)
					_ = m.setStatus(context.Background(), log, session, deviceID, db.DeviceStatusError, "handler_panic", nil, &lastErr, nil)
					log.Error("sessions: event handler panicked, annotated and continuing", "panic", r)
				}
			}()
			m.handleEvent(log, deviceID, session, state, event)
		}()
	}
}

func (m *Manager) handleEvent(log *slog.Logger, deviceID string, session *liveSession, state *authstate.State, event chattransport.Event) {
	ctx := context.Background()

	switch event.Kind {
	case chattransport.EventCredsUpdate:
		if len(event.Creds) > 0 {
			state.SetCreds(event.Creds)
		}

	case chattransport.EventConnectionUpdate:
		m.handleConnectionUpdate(ctx, log, deviceID, session, event.ConnectionUpdate)

	case chattransport.EventMessagesUpsert:
		if event.MessagesUpsert == nil || event.MessagesUpsert.Type != "notify" {
			return
		}
		ownAddress, _ := session.socket.AuthenticatedUser()
		var ownAddrPtr *string
		if ownAddress != "" {
			ownAddrPtr = &ownAddress
		}
		for _, msg := range event.MessagesUpsert.Messages {
			session.remember(msg.Key, msg.MessageJSON)
			if m.inbound == nil {
				continue
			}
			reconcile, err := m.inbound.Process(ctx, deviceID, ownAddrPtr, msg)
			if err != nil {
				lastErr := fmt.Sprintf("inbound_error: %s", err)
				_ = m.setStatus(ctx, log, session, deviceID, db.DeviceStatusError, "inbound_error", nil, &lastErr, nil)
				log.Error("sessions: inbound pipeline error, continuing", "error", err)
				continue
			}
			if reconcile != nil {
				m.reconcile(ctx, log, deviceID, session, state, reconcile)
			}
		}
	}
}

func (m *Manager) handleConnectionUpdate(ctx context.Context, log *slog.Logger, deviceID string, session *liveSession, update *chattransport.ConnectionUpdate) {
	if update == nil {
		return
	}
	switch update.State {
	case chattransport.ConnectionConnecting:
		if update.Qr != nil {
			if err := m.setStatus(ctx, log, session, deviceID, db.DeviceStatusQR, "connecting_qr", update.Qr, nil, nil); err != nil {
				log.Error("sessions: failed to record qr", "error", err)
			}
			return
		}
		if err := m.setStatus(ctx, log, session, deviceID, db.DeviceStatusOffline, "connecting", nil, nil, nil); err != nil {
			log.Error("sessions: failed to record connecting state", "error", err)
		}

	case chattransport.ConnectionOpen:
		now := time.Now().UTC()
		noQR := ""
		if err := m.setStatus(ctx, log, session, deviceID, db.DeviceStatusOnline, "connection_open", &noQR, nil, &now); err != nil {
			log.Error("sessions: failed to record online state", "error", err)
		}
		if err := m.db.ExpirePublicQrLinksForDevice(ctx, deviceID, now); err != nil {
			log.Error("sessions: failed to expire qr links", "error", err)
		}

	case chattransport.ConnectionClose:
		reason := ""
		loggedOut := false
		if update.CloseReason != nil {
			reason = update.CloseReason.Message
			loggedOut = update.CloseReason.LoggedOut
		}
		if reason != "" {
			if err := m.setStatus(ctx, log, session, deviceID, db.DeviceStatusOffline, "connection_close", nil, &reason, nil); err != nil {
				log.Error("sessions: failed to annotate close reason", "error", err)
			}
		}

		m.mu.Lock()
		closing := session.closing
		if current, ok := m.sessions[deviceID]; ok && current == session {
			delete(m.sessions, deviceID)
		}
		m.mu.Unlock()

		if loggedOut || closing {
			return
		}
		time.AfterFunc(ReconnectDelay, func() {
			if err := m.Connect(context.Background(), deviceID); err != nil {
				log.Error("sessions: scheduled reconnect failed", "error", err)
			}
		})
	}
}

// reconcile implements §4.5 step 4b's contract: clear in-memory keys for
// the signaled jids, persist immediately, tear the socket down, and
// reconnect after ReconcileReconnectDelay.
func (m *Manager) reconcile(ctx context.Context, log *slog.Logger, deviceID string, session *liveSession, state *authstate.State, signal *ReconcileSignal) {
	jids := []string{signal.RemoteJid}
	if signal.SenderPn != nil && *signal.SenderPn != "" {
		jids = append(jids, *signal.SenderPn)
	}

	state.ClearSenderInMemory(jids)
	if err := state.SaveNow(ctx); err != nil {
		log.Error("sessions: reconcile saveNow failed", "error", err)
	}

	m.mu.Lock()
	session.closing = true
	if current, ok := m.sessions[deviceID]; ok && current == session {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	session.socket.End(fmt.Errorf("session desync reconcile"))

	time.AfterFunc(ReconcileReconnectDelay, func() {
		if err := m.Connect(context.Background(), deviceID); err != nil {
			log.Error("sessions: reconcile reconnect failed", "error", err)
		}
	})
}

// remember records a raw message so the transport's GetMessageFunc can
// resolve retry/decrypt requests (§6.1), bounded to recentMessageCacheSize
// entries per device (oldest evicted first).
func (s *liveSession) remember(key chattransport.MessageKey, raw []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, exists := s.cache[key]; !exists {
		s.cacheQ = append(s.cacheQ, key)
		if len(s.cacheQ) > recentMessageCacheSize {
			oldest := s.cacheQ[0]
			s.cacheQ = s.cacheQ[1:]
			delete(s.cache, oldest)
		}
	}
	s.cache[key] = raw
}

func (s *liveSession) getMessage(key chattransport.MessageKey) ([]byte, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	raw, ok := s.cache[key]
	return raw, ok
}
