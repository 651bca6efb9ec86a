// Package outbound implements the Outbound Dispatcher (§4.7): the
// outbound_messages queue consumer that walks a queued OutboundMessage through
// its nine-step send algorithm against a live chat-transport socket.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/sessions"
)

// Diagnostics thresholds (§4.7).
const (
	queueWaitWarnThreshold = 30 * time.Second
	sendWarnThreshold      = 5 * time.Second
)

// DefaultComposingDelay is the pre-send typing-indicator duration
// (WORKER_COMPOSING_BEFORE_SEND_MS, default 1.5s).
const DefaultComposingDelay = 1500 * time.Millisecond

// SocketLookup is the narrow slice of the Session Manager the Dispatcher
// needs: the live socket for a device, or false if the device has no
// active session.
type SocketLookup interface {
	Get(deviceID string) (sessions.Handle, bool)
}

// PauseSuperseder lets the Dispatcher cancel the Inbound Pipeline's
// scheduled "paused" presence before it takes over presence for its own
// send (§4.5 step 2).
type PauseSuperseder interface {
	SupersedePause(deviceID, jid string)
}

// Dispatcher consumes outbound_messages jobs.
type Dispatcher struct {
	db             *db.DB
	sessions       SocketLookup
	pauseSuperseder PauseSuperseder
	composingDelay time.Duration
	log            *slog.Logger
}

type Option func(*Dispatcher)

func WithComposingDelay(d time.Duration) Option {
	return func(o *Dispatcher) { o.composingDelay = d }
}

func WithPauseSuperseder(p PauseSuperseder) Option {
	return func(o *Dispatcher) { o.pauseSuperseder = p }
}

func NewDispatcher(database *db.DB, lookup SocketLookup, log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{db: database, sessions: lookup, composingDelay: DefaultComposingDelay, log: log}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// textPayload is the payload shape OutboundMessage.PayloadJSON carries for
// type=="text" messages (§4.7 step 8).
type textPayload struct {
	Text string `json:"text"`
}

// raisable is returned for conditions the job should retry (step 8);
// everything else is a terminal FAILED transition the Dispatcher records
// itself rather than letting the queue retry.
type raisable struct{ cause error }

func (r *raisable) Error() string { return r.cause.Error() }
func (r *raisable) Unwrap() error { return r.cause }

// Handle implements queue.Handler for the outbound_messages queue.
func (d *Dispatcher) Handle(ctx context.Context, env queue.Envelope) error {
	var payload queue.OutboundSendPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("outbound: decode job payload: %w", err)
	}

	if !env.EnqueuedAt.IsZero() {
		if wait := time.Since(env.EnqueuedAt); wait > queueWaitWarnThreshold {
			d.log.Warn("outbound: queue wait exceeded threshold", "outboundMessageId", payload.OutboundMessageID, "waitMs", wait.Milliseconds())
		}
	}

	return d.send(ctx, payload.OutboundMessageID)
}

func (d *Dispatcher) send(ctx context.Context, outboundMessageID string) error {
	// Step 1.
	msg, err := d.db.GetOutboundMessage(ctx, outboundMessageID)
	if err != nil {
		d.log.Error("outbound: outbound message not found, dropping job", "outboundMessageId", outboundMessageID, "error", err)
		return nil
	}

	// Step 2.
	if err := d.db.SetOutboundMessageProcessing(ctx, msg.ID); err != nil {
		d.log.Warn("outbound: transition to PROCESSING failed (already processed?)", "outboundMessageId", msg.ID, "error", err)
	}

	// Step 3.
	device, err := d.db.GetDevice(ctx, msg.DeviceID)
	if err != nil {
		return d.fail(ctx, msg.ID, "device_not_found")
	}

	// Step 4.
	if device.Status != string(db.DeviceStatusOnline) {
		return d.fail(ctx, msg.ID, fmt.Sprintf("device_not_online:%s", device.Status))
	}

	// Step 5.
	handle, ok := d.sessions.Get(msg.DeviceID)
	if !ok {
		return d.fail(ctx, msg.ID, "device_not_connected")
	}

	// Step 6.
	if _, authed := handle.Socket.AuthenticatedUser(); !authed {
		return d.fail(ctx, msg.ID, "socket_not_authenticated")
	}

	// Step 7.
	if msg.Type != "text" {
		return d.fail(ctx, msg.ID, fmt.Sprintf("unsupported_type:%s", msg.Type))
	}

	// Step 8.
	var payload textPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil || payload.Text == "" {
		return &raisable{cause: fmt.Errorf("outbound: empty or non-text payload for message %s", msg.ID)}
	}

	// Step 9.
	return d.deliver(ctx, msg, handle, payload.Text)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *db.OutboundMessage, handle sessions.Handle, text string) error {
	if d.pauseSuperseder != nil {
		d.pauseSuperseder.SupersedePause(msg.DeviceID, msg.To)
	}

	if err := handle.Socket.SendPresence(ctx, "composing", msg.To); err != nil {
		d.log.Warn("outbound: composing presence failed", "outboundMessageId", msg.ID, "error", err)
	}

	select {
	case <-time.After(d.composingDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	sendStart := time.Now()
	providerMessageID, err := handle.Socket.Send(ctx, msg.To, text)
	sendElapsed := time.Since(sendStart)
	if sendElapsed > sendWarnThreshold {
		d.log.Warn("outbound: send exceeded threshold", "outboundMessageId", msg.ID, "sendMs", sendElapsed.Milliseconds())
	}

	if err != nil {
		if errors.Is(err, chattransport.ErrNotAuthenticated) {
			return d.fail(ctx, msg.ID, "socket_not_authenticated")
		}
		return d.fail(ctx, msg.ID, err.Error())
	}

	if err := handle.Socket.SendPresence(ctx, "paused", msg.To); err != nil {
		d.log.Warn("outbound: paused presence failed", "outboundMessageId", msg.ID, "error", err)
	}

	if err := d.db.SetOutboundMessageSent(ctx, msg.ID, providerMessageID); err != nil {
		return fmt.Errorf("outbound: record sent status: %w", err)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, outboundMessageID, reason string) error {
	if err := d.db.SetOutboundMessageFailed(ctx, outboundMessageID, reason); err != nil {
		d.log.Error("outbound: failed to record FAILED status", "outboundMessageId", outboundMessageID, "error", err)
	}
	return nil
}
