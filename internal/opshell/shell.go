// Package opshell implements the Operational Shell (§4.10): the worker
// process's health endpoint, heartbeat log, benign-error classifier, and
// decryption-incident logging, plus a slog.Handler that mirrors every
// record into the Log table alongside the process's normal output.
package opshell

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/relaywire/sessionengine/internal/db"
)

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// heartbeatInterval is the Operational Shell's liveness log cadence (§4.10).
const heartbeatInterval = 30 * time.Second

// benignSubstrings classifies transport/network errors the worker survives
// (§4.10): logged, never fatal.
var benignSubstrings = []string{
	"terminated",
	"other side closed",
	"ECONNRESET",
	"socket hang up",
	"UND_ERR_SOCKET",
	"ECONNREFUSED",
	"ETIMEDOUT",
}

// decryptionIncidentSubstrings flags an error as a session-desync incident
// rather than a generic failure (§4.10); actual recovery still happens via
// the Inbound Pipeline's stub handling on the next message (§4.5).
var decryptionIncidentSubstrings = []string{
	"Over 2000 messages into the future",
	"SessionError",
	"Failed to decrypt message",
	"Invalid patch mac",
	"Bad MAC",
}

// IsBenign reports whether err's message matches one of the known
// transport/network failure substrings that should not crash the process.
func IsBenign(err error) bool {
	return containsAny(err, benignSubstrings)
}

// IsDecryptionIncident reports whether err's message matches one of the
// known session-desync signatures.
func IsDecryptionIncident(err error) bool {
	return containsAny(err, decryptionIncidentSubstrings)
}

func containsAny(err error, substrings []string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// AlertSender delivers a best-effort crash notification. Alert email
// transport itself is out of scope (spec §1 Non-goals); production wiring
// supplies whatever channel an operator prefers, defaulting to NoopAlertSender.
type AlertSender interface {
	SendAlert(ctx context.Context, subject, body string) error
}

// NoopAlertSender discards every alert; the default when no sender is wired.
type NoopAlertSender struct{}

func (NoopAlertSender) SendAlert(context.Context, string, string) error { return nil }

// alertBudget bounds how long Shell.Crash waits for AlertSender before
// exiting regardless (§4.10: "5s cap; process exits regardless").
const alertBudget = 5 * time.Second

// Shell wires the worker process's health endpoint, heartbeat, and crash
// handling.
type Shell struct {
	log     *slog.Logger
	alerter AlertSender
	service string
}

type Option func(*Shell)

func WithAlertSender(a AlertSender) Option { return func(s *Shell) { s.alerter = a } }

func NewShell(log *slog.Logger, opts ...Option) *Shell {
	if log == nil {
		log = slog.Default()
	}
	s := &Shell{log: log, alerter: NoopAlertSender{}, service: "worker"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HealthHandler serves /health with {ok:true,service:"worker"}.
func (s *Shell) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "service": s.service})
	})
}

// Heartbeat emits a liveness log every 30s until ctx is cancelled.
func (s *Shell) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Info("worker heartbeat")
		}
	}
}

// HandleUncaught classifies err from a top-level goroutine: benign errors
// are logged and the process continues; a decryption incident is logged as
// a session-desync signature and the process continues (recovery happens
// through the Inbound Pipeline's stub handling); anything else is logged
// as fatal, given a best-effort alert attempt bounded by alertBudget, and
// exits the process with code 1 so a supervisor can restart it.
func (s *Shell) HandleUncaught(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if IsDecryptionIncident(err) {
		s.log.Error("opshell: session-desync incident observed", "error", err)
		return
	}
	if IsBenign(err) {
		s.log.Warn("opshell: benign transport error, continuing", "error", err)
		return
	}

	s.log.Error("opshell: unclassified uncaught error, exiting", "error", err)
	alertCtx, cancel := context.WithTimeout(ctx, alertBudget)
	defer cancel()
	if alertErr := s.alerter.SendAlert(alertCtx, "sessionengine worker crashed", err.Error()); alertErr != nil {
		s.log.Error("opshell: alert send failed", "error", alertErr)
	}
	os.Exit(1)
}

// errClassificationProbe lets callers build a classification-eligible error
// from a raw message string (e.g. one surfaced through a panic value),
// without forcing every call site to wrap errors.New itself.
func errClassificationProbe(msg string) error { return errors.New(msg) }

// ClassifyMessage is a convenience wrapper for callers holding a bare
// string (e.g. recover()'s value) rather than an error.
func ClassifyMessage(msg string) error { return errClassificationProbe(msg) }

// LogHandler wraps an existing slog.Handler and additionally persists every
// record to the Log table (§4.10 supplement), so operators can query recent
// activity without shipping logs to an external system.
type LogHandler struct {
	next    slog.Handler
	db      *db.DB
	service db.LogService
}

func NewLogHandler(next slog.Handler, database *db.DB, service db.LogService) *LogHandler {
	return &LogHandler{next: next, db: database, service: service}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.next.Handle(ctx, record); err != nil {
		return err
	}

	attrs := make(map[string]any, record.NumAttrs())
	var errMsg string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == "error" {
			errMsg = a.Value.String()
		}
		attrs[a.Key] = a.Value.Any()
		return true
	})
	metadataJSON, err := json.Marshal(attrs)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	entry := &db.Log{
		Level:    levelName(record.Level),
		Service:  string(h.service),
		Message:  record.Message,
		Metadata: nullableString(string(metadataJSON)),
	}
	if errMsg != "" {
		entry.Error = nullableString(errMsg)
	}
	// Best-effort: a logging sink must never block or fail the caller's
	// actual operation.
	_ = h.db.InsertLog(context.Background(), entry)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{next: h.next.WithAttrs(attrs), db: h.db, service: h.service}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{next: h.next.WithGroup(name), db: h.db, service: h.service}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return string(db.LogLevelError)
	case level >= slog.LevelWarn:
		return string(db.LogLevelWarn)
	case level >= slog.LevelInfo:
		return string(db.LogLevelInfo)
	default:
		return string(db.LogLevelDebug)
	}
}
