// Package reconnect implements the Reconnect Sweeper (§4.9): a one-shot
// startup pass that reconnects every device with a persisted auth-state row
// after a configurable delay, staggering each attempt so a worker restart
// doesn't open every device's socket in the same instant.
package reconnect

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaywire/sessionengine/internal/db"
)

// DefaultStartupDelay is WORKER_RECONNECT_ALL_DELAY_MS's default.
const DefaultStartupDelay = 5 * time.Second

// DefaultStagger is WORKER_RECONNECT_STAGGER_MS's default.
const DefaultStagger = 5 * time.Second

// Connector is the Session Manager capability the sweeper needs.
type Connector interface {
	Connect(ctx context.Context, deviceID string) error
}

// Sweeper runs the reconnect pass once, then stops.
type Sweeper struct {
	db           *db.DB
	sessions     Connector
	startupDelay time.Duration
	stagger      time.Duration
	log          *slog.Logger
}

type Option func(*Sweeper)

func WithStartupDelay(d time.Duration) Option { return func(s *Sweeper) { s.startupDelay = d } }
func WithStagger(d time.Duration) Option       { return func(s *Sweeper) { s.stagger = d } }

func NewSweeper(database *db.DB, sessions Connector, log *slog.Logger, opts ...Option) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	s := &Sweeper{db: database, sessions: sessions, startupDelay: DefaultStartupDelay, stagger: DefaultStagger, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks for the startup delay, then reconnects every device with a
// WaSession row, staggered, until ctx is cancelled. Intended to be called
// once from cmd/worker's main, typically via `go sweeper.Run(ctx)`.
func (s *Sweeper) Run(ctx context.Context) {
	select {
	case <-time.After(s.startupDelay):
	case <-ctx.Done():
		return
	}

	devices, err := s.db.ListDevicesWithSession(ctx)
	if err != nil {
		s.log.Error("reconnect: failed to list devices with session, aborting sweep", "error", err)
		return
	}

	s.log.Info("reconnect: starting sweep", "deviceCount", len(devices))
	for i, device := range devices {
		if ctx.Err() != nil {
			return
		}
		if err := s.sessions.Connect(ctx, device.ID); err != nil {
			s.log.Error("reconnect: connect failed, continuing sweep", "deviceId", device.ID, "error", err)
		}
		if i < len(devices)-1 {
			select {
			case <-time.After(s.stagger):
			case <-ctx.Done():
				return
			}
		}
	}
	s.log.Info("reconnect: sweep complete", "deviceCount", len(devices))
}
