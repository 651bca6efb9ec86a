package sessions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaywire/sessionengine/internal/queue"
)

// HandleDeviceCommand adapts Manager to queue.Handler for the device_commands
// queue (§4.6): it decodes the envelope's payload and dispatches to the
// matching lifecycle method. Unlike outbound sends and webhook deliveries,
// these jobs aren't retried by the broker (queue.MaxAttempts has no entry for
// DeviceCommands) — a failed connect/disconnect is dead-lettered after its
// first failure rather than retried later.
func (m *Manager) HandleDeviceCommand(ctx context.Context, env queue.Envelope) error {
	var payload queue.DeviceCommandPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("sessions: decode device command payload: %w", err)
	}

	switch env.JobName {
	case queue.JobConnect:
		return m.Connect(ctx, payload.DeviceID)
	case queue.JobDisconnect:
		return m.Disconnect(ctx, payload.DeviceID)
	case queue.JobResetSenderSessions:
		return m.ResetSenderSessions(ctx, payload.DeviceID, payload.Jids)
	default:
		return fmt.Errorf("sessions: unknown device command job %q", env.JobName)
	}
}
