// Package inbound implements the Inbound Pipeline (§4.5): the per-message
// filter, ack/presence, normalize, stub, happy-path, and bookkeeping steps
// that turn one chattransport.InboundMessage into a persisted Event plus its
// webhook fan-out and optional ack reply.
package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/media"
	"github.com/relaywire/sessionengine/internal/normalize"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/sessions"
)

// pausedPresenceDelay is how long after "composing" the Pipeline schedules
// a "paused" presence, unless superseded (§4.5 step 2).
const pausedPresenceDelay = 25 * time.Second

// slowProcessingThreshold is the wall-clock budget past which Process logs
// a WARN with timing detail (§4.5 step 7).
const slowProcessingThreshold = time.Second

// SocketLookup is the narrow slice of the Session Manager the Pipeline
// needs to reach a device's live socket for presence and read-receipts.
// Depending on this interface (rather than *sessions.Manager directly)
// keeps the Pipeline's tests free of a full Manager/Store/Dialer wiring.
type SocketLookup interface {
	Get(deviceID string) (sessions.Handle, bool)
}

// Pipeline implements sessions.InboundProcessor.
type Pipeline struct {
	db       *db.DB
	sessions SocketLookup
	producer queue.Producer
	log      *slog.Logger

	// ackText, if non-empty, is sent as an immediate outbound reply to every
	// inbound message (§4.5 step 6, WORKER_INBOUND_ACK_MESSAGE).
	ackText string

	// mediaStore, if set, uploads inline media bytes the bridge surfaced and
	// substitutes a reference URL into the normalized media descriptor (§12).
	mediaStore media.Store

	pendingMu sync.Mutex
	pending   map[string]*time.Timer // keyed by deviceID+"|"+jid
}

// Option configures optional Pipeline behavior.
type Option func(*Pipeline)

// WithMediaStore enables the Media Reference Store side-call in step 3 of
// Process. Omit it to get spec.md's exact behavior (media descriptors carry
// only kind/mimetype/fileLength/fileName).
func WithMediaStore(store media.Store) Option {
	return func(p *Pipeline) { p.mediaStore = store }
}

func NewPipeline(database *db.DB, lookup SocketLookup, producer queue.Producer, ackText string, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		db:       database,
		sessions: lookup,
		producer: producer,
		ackText:  ackText,
		log:      log,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// wireMessage mirrors the bridge's nested "message" object shape, decoded
// from chattransport.InboundMessage.MessageJSON into the Normalizer's
// RawMessage input.
type wireMessage struct {
	Conversation     *string            `json:"conversation"`
	ExtendedText     *wireExtendedText  `json:"extendedTextMessage"`
	Image            *wireMedia         `json:"imageMessage"`
	Video            *wireMedia         `json:"videoMessage"`
	Audio            *wireMedia         `json:"audioMessage"`
	Document         *wireMedia         `json:"documentMessage"`
}

type wireExtendedText struct {
	Text string `json:"text"`
}

type wireMedia struct {
	Mimetype   string  `json:"mimetype"`
	FileLength *int64  `json:"fileLength"`
	FileName   *string `json:"fileName"`
	Caption    *string `json:"caption"`
	// Data carries base64-encoded inline bytes when the bridge surfaces them
	// directly rather than leaving them to be fetched separately; nil when
	// the bridge only ever hands back metadata.
	Data *string `json:"data"`
}

func toRawMessage(raw json.RawMessage) *normalize.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil
	}
	out := &normalize.RawMessage{Conversation: w.Conversation}
	if w.ExtendedText != nil {
		out.ExtendedText = &w.ExtendedText.Text
	}
	out.Image = toMediaMessage("image", w.Image)
	out.Video = toMediaMessage("video", w.Video)
	out.Audio = toMediaMessage("audio", w.Audio)
	out.Document = toMediaMessage("document", w.Document)
	return out
}

func toMediaMessage(kind string, m *wireMedia) *normalize.MediaMessage {
	if m == nil {
		return nil
	}
	return &normalize.MediaMessage{
		Kind:       kind,
		Mimetype:   m.Mimetype,
		FileLength: m.FileLength,
		FileName:   m.FileName,
		Caption:    m.Caption,
	}
}

// extractInlineBytes re-reads the raw message JSON for the descriptor
// matching kind and decodes its inline base64 "data" field, if the bridge
// supplied one. Kept separate from toRawMessage/normalize.Normalize so the
// Normalizer itself stays free of any notion of raw media bytes.
func extractInlineBytes(raw json.RawMessage, kind string) []byte {
	if len(raw) == 0 {
		return nil
	}
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil
	}
	var m *wireMedia
	switch kind {
	case "image":
		m = w.Image
	case "video":
		m = w.Video
	case "audio":
		m = w.Audio
	case "document":
		m = w.Document
	}
	if m == nil || m.Data == nil {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(*m.Data)
	if err != nil {
		return nil
	}
	return decoded
}

// statusBroadcastJid is the chat-protocol's reserved broadcast-status
// address, never a real conversation (§4.5 step 1).
const statusBroadcastJid = "status@broadcast"

// Process implements sessions.InboundProcessor.
func (p *Pipeline) Process(ctx context.Context, deviceID string, ownAddress *string, msg chattransport.InboundMessage) (*sessions.ReconcileSignal, error) {
	start := time.Now()

	// Step 1: filter.
	if msg.FromMe || msg.Key.RemoteJid == statusBroadcastJid || msg.Key.RemoteJid == "" || msg.Key.ID == "" {
		return nil, nil
	}

	// Step 2: ack & presence, best-effort.
	p.ackAndPresence(ctx, deviceID, msg.Key)

	// Step 3: normalize.
	env := normalize.InboundEnvelope{
		Key: normalize.Key{
			ID:          msg.Key.ID,
			RemoteJid:   msg.Key.RemoteJid,
			FromMe:      msg.FromMe,
			Participant: msg.Participant,
			SenderPn:    msg.SenderPn,
		},
		Message:               toRawMessage(msg.MessageJSON),
		MessageStubType:       msg.MessageStubType,
		MessageStubParameters: msg.MessageStubParameters,
		MessageTimestamp:      msg.MessageTimestamp,
	}
	normalized := normalize.Normalize(env, ownAddress)
	p.attachMediaRef(ctx, deviceID, msg, normalized)

	device, err := p.db.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("inbound: load device: %w", err)
	}

	// Step 4: stub path.
	if normalized.Content.Type == "stub" {
		return p.handleStub(ctx, device, normalized, msg, start)
	}

	// Step 5/6/7: happy path.
	if err := p.handleHappyPath(ctx, device, normalized, msg); err != nil {
		return nil, err
	}
	p.bookkeep(ctx, device.ID, start, msg.MessageTimestamp)
	return nil, nil
}

// attachMediaRef uploads inline media bytes to the Media Reference Store, if
// configured, and sets the resulting refURL on normalized's media descriptor
// in place. Best-effort: a failed upload is logged and the descriptor is
// simply left without a refURL, matching spec.md's unconfigured shape.
func (p *Pipeline) attachMediaRef(ctx context.Context, deviceID string, msg chattransport.InboundMessage, normalized normalize.Message) {
	if p.mediaStore == nil || normalized.Content.Type != "media" || normalized.Content.Media == nil {
		return
	}
	m := normalized.Content.Media
	data := extractInlineBytes(msg.MessageJSON, m.Kind)
	if len(data) == 0 {
		return
	}
	refURL, err := p.mediaStore.Upload(ctx, normalized.MessageID, m.Mimetype, data)
	if err != nil {
		p.log.Warn("inbound: media reference upload failed", "deviceId", deviceID, "error", err)
		return
	}
	m.RefURL = &refURL
}

func (p *Pipeline) ackAndPresence(ctx context.Context, deviceID string, key chattransport.MessageKey) {
	handle, ok := p.sessions.Get(deviceID)
	if !ok {
		return
	}
	if err := handle.Socket.SendPresence(ctx, "composing", key.RemoteJid); err != nil {
		p.log.Warn("inbound: composing presence failed", "deviceId", deviceID, "error", err)
	}
	if err := handle.Socket.ReadMessages(ctx, []chattransport.MessageKey{key}); err != nil {
		p.log.Warn("inbound: mark read failed", "deviceId", deviceID, "error", err)
	}
	p.schedulePaused(deviceID, key.RemoteJid, handle)
}

func pendingKey(deviceID, jid string) string { return deviceID + "|" + jid }

func (p *Pipeline) schedulePaused(deviceID, jid string, handle sessions.Handle) {
	key := pendingKey(deviceID, jid)
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if existing, ok := p.pending[key]; ok {
		existing.Stop()
	}
	p.pending[key] = time.AfterFunc(pausedPresenceDelay, func() {
		p.pendingMu.Lock()
		delete(p.pending, key)
		p.pendingMu.Unlock()
		if err := handle.Socket.SendPresence(context.Background(), "paused", jid); err != nil {
			p.log.Warn("inbound: paused presence failed", "deviceId", deviceID, "error", err)
		}
	})
}

// SupersedePause cancels any scheduled "paused" presence for deviceID/jid,
// called by the Outbound Dispatcher before it takes over presence for an
// outgoing send (§4.5 step 2: "unless superseded by an outbound").
func (p *Pipeline) SupersedePause(deviceID, jid string) {
	key := pendingKey(deviceID, jid)
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if existing, ok := p.pending[key]; ok {
		existing.Stop()
		delete(p.pending, key)
	}
}

func (p *Pipeline) handleStub(ctx context.Context, device *db.Device, normalized normalize.Message, msg chattransport.InboundMessage, start time.Time) (*sessions.ReconcileSignal, error) {
	stubText := ""
	if normalized.Content.Text != nil {
		stubText = *normalized.Content.Text
	}
	if !normalize.IsDecryptionFailureStub(stubText) {
		p.bookkeep(ctx, device.ID, start, msg.MessageTimestamp)
		return nil, nil
	}

	type decryptionFailedMessage struct {
		normalize.Message
		DecryptionFailed bool `json:"decryptionFailed"`
	}
	annotated := decryptionFailedMessage{Message: normalized, DecryptionFailed: true}

	if err := p.persistEvent(ctx, device, annotated, msg); err != nil {
		return nil, err
	}
	p.bookkeep(ctx, device.ID, start, msg.MessageTimestamp)

	return &sessions.ReconcileSignal{
		RemoteJid: msg.Key.RemoteJid,
		SenderPn:  msg.SenderPn,
	}, nil
}

func (p *Pipeline) handleHappyPath(ctx context.Context, device *db.Device, normalized normalize.Message, msg chattransport.InboundMessage) error {
	if err := p.persistEvent(ctx, device, normalized, msg); err != nil {
		return err
	}

	if p.ackText != "" {
		ack := &db.OutboundMessage{
			TenantID:    device.TenantID,
			DeviceID:    device.ID,
			To:          normalized.From,
			Type:        "text",
			PayloadJSON: mustMarshal(map[string]string{"text": p.ackText}),
		}
		if err := p.db.CreateOutboundMessage(ctx, ack); err != nil {
			return fmt.Errorf("inbound: create ack outbound message: %w", err)
		}
		job, err := queue.NewSendJob(ack.ID)
		if err != nil {
			return fmt.Errorf("inbound: build ack send job: %w", err)
		}
		if err := p.producer.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("inbound: enqueue ack send job: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) persistEvent(ctx context.Context, device *db.Device, normalized any, msg chattransport.InboundMessage) error {
	rawJSON := mustMarshal(msg)
	normalizedJSON := mustMarshal(normalized)

	event := &db.Event{
		TenantID:       device.TenantID,
		DeviceID:       device.ID,
		Type:           "message.inbound",
		NormalizedJSON: normalizedJSON,
		RawJSON:        rawJSON,
	}
	deliveries, err := p.db.CreateEventWithDeliveries(ctx, event)
	if err != nil {
		return fmt.Errorf("inbound: persist event: %w", err)
	}

	for _, d := range deliveries {
		job, err := queue.NewDeliverJob(d.ID)
		if err != nil {
			return fmt.Errorf("inbound: build deliver job: %w", err)
		}
		if err := p.producer.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("inbound: enqueue deliver job: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) bookkeep(ctx context.Context, deviceID string, start time.Time, messageTimestamp *int64) {
	now := time.Now()
	if err := p.db.TouchDeviceLastSeen(ctx, deviceID, now); err != nil {
		p.log.Error("inbound: touch last seen failed", "deviceId", deviceID, "error", err)
	}

	elapsed := time.Since(start)
	if elapsed <= slowProcessingThreshold {
		return
	}
	var messageAgeMs int64
	if messageTimestamp != nil {
		messageAgeMs = now.Unix()*1000 - *messageTimestamp*1000
	}
	p.log.Warn("inbound: slow message processing",
		"deviceId", deviceID,
		"processingTimeMs", elapsed.Milliseconds(),
		"messageAgeMs", messageAgeMs,
	)
}

func mustMarshal(v any) string {
	body, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(body)
}
