package sessions

import (
	"context"

	"github.com/relaywire/sessionengine/internal/chattransport"
)

// ReconcileSignal is returned by an InboundProcessor when a stub message
// indicates the peer desynchronized its cryptographic session state (§4.5
// step 4b). The Session Manager owns what happens next: clear the matching
// in-memory keys, persist immediately, and tear the socket down for
// reconnect.
type ReconcileSignal struct {
	RemoteJid string
	SenderPn  *string
}

// InboundProcessor runs one inbound message through the Inbound Pipeline.
// internal/inbound.Pipeline implements this; kept as an interface here (not
// a direct dependency) so the Session Manager never needs to import the
// Inbound Pipeline's persistence/webhook-fanout concerns, only its contract.
type InboundProcessor interface {
	Process(ctx context.Context, deviceID string, ownAddress *string, msg chattransport.InboundMessage) (*ReconcileSignal, error)
}

// Handle is a read-only view onto a live session, returned by Get. It does
// not outlive the session: holding one past a disconnect only yields a
// socket whose operations will fail, never a dangling reference into
// Manager's internal map (§9 "Shared mutable session registry").
type Handle struct {
	Socket   chattransport.Socket
	DeviceID string
}
