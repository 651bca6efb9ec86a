// Package diagnostics generates operator-facing support bundles: system
// info, redacted configuration, store health, and tenant/device counts,
// packaged as a tar.gz so an operator can attach one file to a support
// ticket instead of pasting logs by hand.
package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/relaywire/sessionengine/internal/config"
	"github.com/relaywire/sessionengine/internal/db"
)

// Collector gathers diagnostic information from the running worker.
type Collector struct {
	db      *db.DB
	config  *config.Config
	started time.Time
}

// NewCollector creates a new diagnostics collector.
func NewCollector(database *db.DB, cfg *config.Config, started time.Time) *Collector {
	return &Collector{db: database, config: cfg, started: started}
}

// Bundle represents a complete diagnostics bundle.
type Bundle struct {
	GeneratedAt time.Time      `json:"generated_at"`
	System      SystemInfo     `json:"system"`
	Config      RedactedConfig `json:"config"`
	Health      HealthSummary  `json:"health"`
	Store       StoreStats     `json:"store"`
	Runtime     RuntimeInfo    `json:"runtime"`
}

// SystemInfo contains basic system information.
type SystemInfo struct {
	GoVersion     string  `json:"go_version"`
	GOOS          string  `json:"goos"`
	GOARCH        string  `json:"goarch"`
	NumCPU        int     `json:"num_cpu"`
	Hostname      string  `json:"hostname"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// RedactedConfig contains configuration with secrets removed — the auth
// vault key and any secret backend credentials are never included.
type RedactedConfig struct {
	HealthPort          int    `json:"health_port"`
	LogLevel            string `json:"log_level"`
	ReconnectAllDelay   string `json:"reconnect_all_delay"`
	ReconnectStagger    string `json:"reconnect_stagger"`
	ComposingBeforeSend string `json:"composing_before_send"`
	InboundAckConfigured bool  `json:"inbound_ack_configured"`
	SecretsProvider     string `json:"secrets_provider"`
	MediaStoreEnabled   bool   `json:"media_store_enabled"`
	WebhookRateLimited  bool   `json:"webhook_rate_limited"`
}

// HealthSummary contains the overall health status.
type HealthSummary struct {
	Overall  string          `json:"overall"`
	Database ComponentHealth `json:"database"`
}

// ComponentHealth represents health of a single dependency.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// StoreStats contains relational store counts, useful for sizing and for
// spotting a tenant whose devices have gone quiet.
type StoreStats struct {
	TenantCount        int `json:"tenant_count"`
	DeviceCount        int `json:"device_count"`
	DeviceOnlineCount  int `json:"device_online_count"`
	WebhookEndpointCount int `json:"webhook_endpoint_count"`
}

// RuntimeInfo contains Go runtime information.
type RuntimeInfo struct {
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

// MemoryStats contains memory statistics.
type MemoryStats struct {
	AllocMB      float64 `json:"alloc_mb"`
	TotalAllocMB float64 `json:"total_alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// Collect gathers all diagnostic information into a Bundle.
func (c *Collector) Collect(ctx context.Context) (*Bundle, error) {
	bundle := &Bundle{
		GeneratedAt: time.Now().UTC(),
	}

	bundle.System = c.collectSystemInfo()
	bundle.Config = c.collectRedactedConfig()
	bundle.Health = c.collectHealth(ctx)
	bundle.Store = c.collectStoreStats(ctx)
	bundle.Runtime = c.collectRuntimeInfo()

	return bundle, nil
}

// WriteTarGz writes the diagnostics bundle as a tar.gz archive to the given writer.
func (c *Collector) WriteTarGz(ctx context.Context, w io.Writer) error {
	bundle, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting diagnostics: %w", err)
	}

	gzw := gzip.NewWriter(w)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}

	if err := addFileToTar(tw, "diagnostics/bundle.json", bundleJSON); err != nil {
		return fmt.Errorf("adding bundle.json to archive: %w", err)
	}

	sections := map[string]any{
		"diagnostics/system.json":  bundle.System,
		"diagnostics/config.json":  bundle.Config,
		"diagnostics/health.json":  bundle.Health,
		"diagnostics/store.json":   bundle.Store,
		"diagnostics/runtime.json": bundle.Runtime,
	}

	for name, data := range sections {
		jsonData, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", name, err)
		}
		if err := addFileToTar(tw, name, jsonData); err != nil {
			return fmt.Errorf("adding %s to archive: %w", name, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err := tw.Write(data)
	return err
}

func (c *Collector) collectSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	uptime := time.Since(c.started)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		Hostname:      hostname,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
	}
}

func (c *Collector) collectRedactedConfig() RedactedConfig {
	return RedactedConfig{
		HealthPort:           c.config.HealthPort,
		LogLevel:             c.config.LogLevel,
		ReconnectAllDelay:    c.config.ReconnectAllDelay.String(),
		ReconnectStagger:     c.config.ReconnectStagger.String(),
		ComposingBeforeSend:  c.config.ComposingBeforeSend.String(),
		InboundAckConfigured: c.config.InboundAckMessage != "",
		SecretsProvider:      c.config.SecretsProvider,
		MediaStoreEnabled:    c.config.MediaS3Bucket != "",
		WebhookRateLimited:   c.config.WebhookRateLimitPerSec > 0,
	}
}

func (c *Collector) collectHealth(ctx context.Context) HealthSummary {
	summary := HealthSummary{Overall: "healthy"}

	if err := c.db.Ping(ctx); err != nil {
		summary.Database = ComponentHealth{Healthy: false, Message: err.Error()}
		summary.Overall = "degraded"
	} else {
		summary.Database = ComponentHealth{Healthy: true, Message: "OK"}
	}

	return summary
}

func (c *Collector) collectStoreStats(ctx context.Context) StoreStats {
	stats := StoreStats{}

	tenants, err := c.db.ListTenants(ctx)
	if err != nil {
		return stats
	}
	stats.TenantCount = len(tenants)

	for _, tenant := range tenants {
		devices, err := c.db.ListDevicesByTenant(ctx, tenant.ID)
		if err != nil {
			continue
		}
		stats.DeviceCount += len(devices)
		for _, device := range devices {
			if device.Status == string(db.DeviceStatusOnline) {
				stats.DeviceOnlineCount++
			}
		}

		endpoints, err := c.db.ListEnabledWebhookEndpoints(ctx, tenant.ID)
		if err != nil {
			continue
		}
		stats.WebhookEndpointCount += len(endpoints)
	}

	return stats
}

func (c *Collector) collectRuntimeInfo() RuntimeInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return RuntimeInfo{
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocMB:      float64(memStats.Alloc) / 1024 / 1024,
			TotalAllocMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			SysMB:        float64(memStats.Sys) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
	}
}
