package sessions

import (
	"fmt"
	"log/slog"

	"github.com/relaywire/sessionengine/internal/db"
)

// ValidTransitions defines the allowed Device status transitions (I3:
// "OFFLINE → (QR →)? ONLINE → OFFLINE; ERROR is a terminal annotation
// cleared only by a new connect attempt"). Key is the current status, value
// is every status a connect/disconnect/error event may move it to.
var ValidTransitions = map[db.DeviceStatus][]db.DeviceStatus{
	db.DeviceStatusOffline: {
		db.DeviceStatusQR,
		db.DeviceStatusOnline,
		db.DeviceStatusError,
	},
	db.DeviceStatusQR: {
		db.DeviceStatusOnline,
		db.DeviceStatusOffline,
		db.DeviceStatusError,
	},
	db.DeviceStatusOnline: {
		db.DeviceStatusOffline,
		db.DeviceStatusError,
	},
	// ERROR is cleared only by a fresh connect, which re-enters at OFFLINE.
	db.DeviceStatusError: {
		db.DeviceStatusOffline,
	},
}

// CanTransition checks if a transition from one Device status to another is
// valid per I3.
func CanTransition(from, to db.DeviceStatus) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid Device status transition attempt.
type TransitionError struct {
	DeviceID string
	From     db.DeviceStatus
	To       db.DeviceStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid device status transition: %s -> %s (device: %s)", e.From, e.To, e.DeviceID)
}

// LogTransition logs a status transition for the Operational Shell's
// diagnostic trail.
func LogTransition(log *slog.Logger, deviceID string, from, to db.DeviceStatus, reason string) {
	if log == nil {
		log = slog.Default()
	}
	log.Info("device status transition", "deviceId", deviceID, "from", from, "to", to, "reason", reason)
}

// ValidateAndLogTransition validates a transition and logs it if valid.
func ValidateAndLogTransition(log *slog.Logger, deviceID string, from, to db.DeviceStatus, reason string) error {
	if !CanTransition(from, to) {
		return &TransitionError{DeviceID: deviceID, From: from, To: to}
	}
	LogTransition(log, deviceID, from, to, reason)
	return nil
}
