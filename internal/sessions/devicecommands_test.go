package sessions_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/relaywire/sessionengine/internal/queue"
)

func envelopeFor(t *testing.T, jobName string, payload queue.DeviceCommandPayload) queue.Envelope {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Envelope{Queue: queue.DeviceCommands, JobName: jobName, Payload: body}
}

func TestHandleDeviceCommand_Connect(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	deviceID := seedDevice(t, database)

	env := envelopeFor(t, queue.JobConnect, queue.DeviceCommandPayload{DeviceID: deviceID})
	if err := mgr.HandleDeviceCommand(context.Background(), env); err != nil {
		t.Fatalf("HandleDeviceCommand(connect) error = %v", err)
	}

	if _, ok := mgr.Get(deviceID); !ok {
		t.Error("Get() after connect command = not found")
	}
}

func TestHandleDeviceCommand_Disconnect(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	if err := mgr.Connect(ctx, deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	env := envelopeFor(t, queue.JobDisconnect, queue.DeviceCommandPayload{DeviceID: deviceID})
	if err := mgr.HandleDeviceCommand(ctx, env); err != nil {
		t.Fatalf("HandleDeviceCommand(disconnect) error = %v", err)
	}

	if _, ok := mgr.Get(deviceID); ok {
		t.Error("Get() after disconnect command still found a session")
	}
}

func TestHandleDeviceCommand_ResetSenderSessions(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	env := envelopeFor(t, queue.JobResetSenderSessions, queue.DeviceCommandPayload{
		DeviceID: deviceID,
		Jids:     []string{"5491122223333@s.whatsapp.net"},
	})
	if err := mgr.HandleDeviceCommand(ctx, env); err != nil {
		t.Fatalf("HandleDeviceCommand(reset-sender-sessions) error = %v", err)
	}
	_ = database
}

func TestHandleDeviceCommand_UnknownJobNameErrors(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	deviceID := seedDevice(t, database)

	env := envelopeFor(t, "bogus-job", queue.DeviceCommandPayload{DeviceID: deviceID})
	if err := mgr.HandleDeviceCommand(context.Background(), env); err == nil {
		t.Fatal("HandleDeviceCommand(bogus) error = nil, want an error")
	}
}

func TestHandleDeviceCommand_MalformedPayloadErrors(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	env := queue.Envelope{Queue: queue.DeviceCommands, JobName: queue.JobConnect, Payload: json.RawMessage(`{"deviceId":`)}
	if err := mgr.HandleDeviceCommand(context.Background(), env); err == nil {
		t.Fatal("HandleDeviceCommand(malformed) error = nil, want a decode error")
	}
}
