// Package queue implements the Queue Runtime (§4.6): three durable named
// job queues over a shared Redis broker, with retry/backoff and a
// dead-letter tier. The Envelope/Producer/Consumer contract shape is
// narrowed from the pack's generic queue.Envelope/Producer/Consumer/
// DeadLetter interfaces down to this spec's three concrete job payloads.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Name identifies one of the engine's three durable queues (§4.6).
type Name string

const (
	DeviceCommands  Name = "device_commands"
	OutboundMessages Name = "outbound_messages"
	WebhookDispatch Name = "webhook_dispatch"
)

// MaxAttempts per queue (§4.6/§4.8). device_commands has no entry here, so
// the Broker never retries a failed connect/disconnect: it is dead-lettered
// after its first failure.
var MaxAttempts = map[Name]int{
	OutboundMessages: 3,
	WebhookDispatch:  5,
}

// ErrEmpty is returned by the Broker's dequeue when no job is available within
// the poll wait.
var ErrEmpty = errors.New("queue: empty")

// Job names carried in Envelope.JobName, one set per queue (§4.6).
const (
	JobConnect             = "connect"
	JobDisconnect           = "disconnect"
	JobResetSenderSessions  = "reset-sender-sessions"
	JobSend                 = "send"
	JobDeliver              = "deliver"
)

// DeviceCommandPayload is the device_commands queue's job payload.
type DeviceCommandPayload struct {
	DeviceID string   `json:"deviceId"`
	Jids     []string `json:"jids,omitempty"`
}

// OutboundSendPayload is the outbound_messages queue's job payload.
type OutboundSendPayload struct {
	OutboundMessageID string `json:"outboundMessageId"`
}

// WebhookDeliverPayload is the webhook_dispatch queue's job payload.
type WebhookDeliverPayload struct {
	DeliveryID string `json:"deliveryId"`
}

// Envelope is the unit of transport through a queue: a job name plus its
// opaque JSON payload, with backend-managed attempt bookkeeping (grounded
// on the pack's queue.Envelope shape — see DESIGN.md — narrowed to this
// engine's three concrete payload types instead of an arbitrary byte body).
type Envelope struct {
	Queue      Name            `json:"queue"`
	JobName    string          `json:"jobName"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func newEnvelope(queue Name, jobName string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("queue: marshal payload: %w", err)
	}
	return Envelope{Queue: queue, JobName: jobName, Payload: body, EnqueuedAt: time.Now().UTC()}, nil
}

// NewConnectJob builds a device_commands "connect" envelope.
func NewConnectJob(deviceID string) (Envelope, error) {
	return newEnvelope(DeviceCommands, JobConnect, DeviceCommandPayload{DeviceID: deviceID})
}

// NewDisconnectJob builds a device_commands "disconnect" envelope.
func NewDisconnectJob(deviceID string) (Envelope, error) {
	return newEnvelope(DeviceCommands, JobDisconnect, DeviceCommandPayload{DeviceID: deviceID})
}

// NewResetSenderSessionsJob builds a device_commands "reset-sender-sessions"
// envelope.
func NewResetSenderSessionsJob(deviceID string, jids []string) (Envelope, error) {
	return newEnvelope(DeviceCommands, JobResetSenderSessions, DeviceCommandPayload{DeviceID: deviceID, Jids: jids})
}

// NewSendJob builds an outbound_messages "send" envelope.
func NewSendJob(outboundMessageID string) (Envelope, error) {
	return newEnvelope(OutboundMessages, JobSend, OutboundSendPayload{OutboundMessageID: outboundMessageID})
}

// NewDeliverJob builds a webhook_dispatch "deliver" envelope.
func NewDeliverJob(deliveryID string) (Envelope, error) {
	return newEnvelope(WebhookDispatch, JobDeliver, WebhookDeliverPayload{DeliveryID: deliveryID})
}

// Producer publishes job envelopes. Consumers of internal/queue that only
// need to enqueue (the Inbound Pipeline) depend on this narrow interface rather than the full Broker, the same
// decoupling already used for InboundProcessor/Dialer.
type Producer interface {
	Enqueue(ctx context.Context, env Envelope) error
}

// DelayedProducer additionally supports scheduling a job for a future time.
// Broker implements it and schedules its own retry backoff through
// EnqueueDelayed; neither dispatcher calls it.
type DelayedProducer interface {
	Producer
	EnqueueDelayed(ctx context.Context, env Envelope, availableAt time.Time) error
}

// Handler processes one job envelope. Returning an error causes the Broker
// to retry (with backoff) or dead-letter the job per the queue's
// MaxAttempts, depending on the queue's retry policy.
type Handler func(ctx context.Context, env Envelope) error
