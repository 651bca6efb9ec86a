// Command worker is the session engine's process entrypoint: it wires the
// Crypto Vault, Auth-State Store, Session Manager, Inbound Pipeline, Queue
// Runtime, Outbound Dispatcher, Webhook Dispatcher, Reconnect Sweeper, and
// Operational Shell together and runs until signaled to stop.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/config"
	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/diagnostics"
	"github.com/relaywire/sessionengine/internal/inbound"
	"github.com/relaywire/sessionengine/internal/media"
	"github.com/relaywire/sessionengine/internal/opshell"
	"github.com/relaywire/sessionengine/internal/outbound"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/reconnect"
	"github.com/relaywire/sessionengine/internal/secrets"
	"github.com/relaywire/sessionengine/internal/sessions"
	"github.com/relaywire/sessionengine/internal/vault"
	"github.com/relaywire/sessionengine/internal/webhook"
	"golang.org/x/time/rate"
)

func main() {
	// Loaded unvalidated because the secrets backend may still need to fill
	// in DatabaseURL/RedisURL/AuthEncKeyB64 before they can be validated as
	// required fields.
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	log := slog.New(baseHandler)
	slog.SetDefault(log)

	if err := resolveSecrets(context.Background(), cfg, log); err != nil {
		log.Error("worker: failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		log.Error("worker: invalid configuration", "error", errs)
		os.Exit(1)
	}

	started := time.Now()

	dbType, dsn, err := parseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		log.Error("worker: invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	database, err := db.OpenDB(dbType, dsn)
	if err != nil {
		log.Error("worker: failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Re-wrap the logger now that the Log table exists, so every record from
	// here on is also persisted for the Operational Shell's log viewer.
	log = slog.New(opshell.NewLogHandler(baseHandler, database, "worker"))
	slog.SetDefault(log)

	rawKey, err := base64.StdEncoding.DecodeString(cfg.AuthEncKeyB64)
	if err != nil {
		log.Error("worker: WA_AUTH_ENC_KEY_B64 is not valid base64", "error", err)
		os.Exit(1)
	}
	v, err := vault.New(rawKey)
	if err != nil {
		log.Error("worker: failed to initialize vault", "error", err)
		os.Exit(1)
	}

	auth := authstate.NewStore(database, v, 2*time.Second, log)
	dialer := chattransport.NewWebSocketDialer(cfg.ChatBridgeURL)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("worker: invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	broker := queue.NewBroker(rdb, log)

	// sessions.Manager and inbound.Pipeline each need the other at
	// construction time (Manager needs an InboundProcessor, Pipeline needs a
	// SocketLookup satisfied by Manager.Get). lookup starts empty and is
	// backfilled once Manager exists, breaking the cycle without either
	// package depending on the other.
	var pipelineOpts []inbound.Option
	if cfg.MediaS3Bucket != "" {
		mediaStore, err := media.NewS3Store(cfg.MediaS3Bucket, cfg.MediaS3Region, cfg.MediaS3Endpoint, "")
		if err != nil {
			log.Error("worker: failed to initialize media reference store", "error", err)
			os.Exit(1)
		}
		pipelineOpts = append(pipelineOpts, inbound.WithMediaStore(mediaStore))
	}

	lookup := &managerLookup{}
	pipeline := inbound.NewPipeline(database, lookup, broker, cfg.InboundAckMessage, log, pipelineOpts...)
	manager := sessions.NewManager(database, auth, dialer, pipeline, log)
	lookup.manager = manager

	outboundOpts := []outbound.Option{
		outbound.WithComposingDelay(cfg.ComposingBeforeSend),
		outbound.WithPauseSuperseder(pipeline),
	}
	outboundDispatcher := outbound.NewDispatcher(database, manager, log, outboundOpts...)

	var webhookOpts []webhook.Option
	if cfg.WebhookRateLimitPerSec > 0 {
		webhookOpts = append(webhookOpts, webhook.WithEndpointRateLimit(rate.Limit(cfg.WebhookRateLimitPerSec), cfg.WebhookRateLimitBurst))
	}
	webhookDispatcher := webhook.NewDispatcher(database, log, webhookOpts...)

	sweeper := reconnect.NewSweeper(database, manager, log,
		reconnect.WithStartupDelay(cfg.ReconnectAllDelay),
		reconnect.WithStagger(cfg.ReconnectStagger),
	)

	shell := opshell.NewShell(log)
	diagCollector := diagnostics.NewCollector(database, cfg, started)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runQueue(ctx, broker, queue.DeviceCommands, manager.HandleDeviceCommand, log)
	go runQueue(ctx, broker, queue.OutboundMessages, outboundDispatcher.Handle, log)
	go runQueue(ctx, broker, queue.WebhookDispatch, webhookDispatcher.Handle, log)

	go shell.Heartbeat(ctx)
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/health", shell.HealthHandler())
	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/gzip")
		w.Header().Set("content-disposition", "attachment; filename=diagnostics.tar.gz")
		if err := diagCollector.WriteTarGz(r.Context(), w); err != nil {
			log.Error("worker: diagnostics bundle failed", "error", err)
		}
	})

	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HealthPort),
		Handler: mux,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shell.HandleUncaught(ctx, fmt.Errorf("worker: health server: %w", err))
		}
	}()

	log.Info("worker: started", "healthPort", cfg.HealthPort)

	<-ctx.Done()
	log.Info("worker: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker: health server shutdown error", "error", err)
	}
}

// runQueue drives one queue's consume loop, restarting Run if it returns
// for any reason other than context cancellation (e.g. a transient Redis
// connection error) rather than letting one queue's failure silently stop
// its consumer forever.
func runQueue(ctx context.Context, broker *queue.Broker, name queue.Name, handle queue.Handler, log *slog.Logger) {
	for {
		if err := broker.Run(ctx, name, handle); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker: queue consumer stopped, restarting", "queue", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// resolveSecrets re-resolves the database URL, Redis URL, and Crypto Vault
// key through the configured secrets backend (SECRETS_PROVIDER), overriding
// whatever loadFromEnv already populated. With the env provider this is a
// no-op in practice: EnvProvider.Get falls back to the same plain
// os.Getenv lookup config.Load already did for these keys.
func resolveSecrets(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	secretsCfg := secrets.LoadConfig()
	secretsCfg.Provider = secrets.ProviderType(cfg.SecretsProvider)

	mgr, err := secrets.NewManager(secretsCfg)
	if err != nil {
		return fmt.Errorf("initialize %s secrets provider: %w", cfg.SecretsProvider, err)
	}
	defer mgr.Close()

	cfg.DatabaseURL = mgr.GetOrDefault(ctx, "DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = mgr.GetOrDefault(ctx, "REDIS_URL", cfg.RedisURL)
	cfg.AuthEncKeyB64 = mgr.GetOrDefault(ctx, "WA_AUTH_ENC_KEY_B64", cfg.AuthEncKeyB64)

	log.Info("worker: resolved sensitive configuration", "secretsProvider", mgr.ProviderName())
	return nil
}

// managerLookup indirects inbound.Pipeline's SocketLookup dependency onto
// a *sessions.Manager constructed after the Pipeline itself.
type managerLookup struct {
	manager *sessions.Manager
}

func (l *managerLookup) Get(deviceID string) (sessions.Handle, bool) {
	if l.manager == nil {
		return sessions.Handle{}, false
	}
	return l.manager.Get(deviceID)
}

// parseDatabaseURL splits DATABASE_URL's scheme from its driver-specific
// connection string. sqlite:// is stripped down to a bare file path (or
// ":memory:"); postgres/postgresql DSNs are passed through whole, since the
// postgres driver parses its own URL form.
func parseDatabaseURL(raw string) (dbType, dsn string, err error) {
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite://"), nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", raw, nil
	default:
		return "", "", fmt.Errorf("unrecognized scheme in %q (want sqlite:// or postgres://)", raw)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
