// Package db persists the engine's nine core entities (Tenant, Device,
// WaSession, WebhookEndpoint, Event, WebhookDelivery, OutboundMessage,
// PublicQrLink, Log) behind a dual-dialect bun.DB, exactly as the teacher
// repo's internal/db wired its own application schema.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// Tenant is the scoping root for Devices, WebhookEndpoints and Events (I1).
type Tenant struct {
	bun.BaseModel `bun:"table:tenants,alias:t"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Status    string    `bun:"status,notnull,default:'active'"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Device is one logical chat account (§3, I3).
type Device struct {
	bun.BaseModel `bun:"table:devices,alias:d"`

	ID         string         `bun:"id,pk"`
	TenantID   string         `bun:"tenant_id,notnull"`
	Label      string         `bun:"label,notnull"`
	PhoneHint  sql.NullString `bun:"phone_hint"`
	Status     string         `bun:"status,notnull,default:'OFFLINE'"`
	QR         sql.NullString `bun:"qr"`
	LastError  sql.NullString `bun:"last_error"`
	LastSeenAt sql.NullTime   `bun:"last_seen_at"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// WaSession is the ciphertext blob of one Device's serialized auth state (I4).
type WaSession struct {
	bun.BaseModel `bun:"table:wa_sessions,alias:ws"`

	DeviceID     string    `bun:"device_id,pk"`
	AuthStateEnc string    `bun:"auth_state_enc,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// WebhookEndpoint is a per-tenant HMAC-signing delivery sink.
type WebhookEndpoint struct {
	bun.BaseModel `bun:"table:webhook_endpoints,alias:we"`

	ID        string    `bun:"id,pk"`
	TenantID  string    `bun:"tenant_id,notnull"`
	URL       string    `bun:"url,notnull"`
	Secret    string    `bun:"secret,notnull"`
	Enabled   bool      `bun:"enabled,notnull,default:true"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Event is an append-only record of one observed inbound message.
type Event struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID             string    `bun:"id,pk"`
	TenantID       string    `bun:"tenant_id,notnull"`
	DeviceID       string    `bun:"device_id,notnull"`
	Type           string    `bun:"type,notnull"`
	NormalizedJSON string    `bun:"normalized_json,notnull"`
	RawJSON        string    `bun:"raw_json,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// WebhookDelivery is one (Event, enabled WebhookEndpoint) fan-out row (I5, I6).
type WebhookDelivery struct {
	bun.BaseModel `bun:"table:webhook_deliveries,alias:wd"`

	ID          string       `bun:"id,pk"`
	EndpointID  string       `bun:"endpoint_id,notnull"`
	EventID     string       `bun:"event_id,notnull"`
	Status      string       `bun:"status,notnull,default:'PENDING'"`
	Attempts    int          `bun:"attempts,notnull,default:0"`
	LastError   sql.NullString `bun:"last_error"`
	NextRetryAt sql.NullTime `bun:"next_retry_at"`
	CreatedAt   time.Time    `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// OutboundMessage is one send request, exclusively owned by the Outbound
// Dispatcher once created (I7).
type OutboundMessage struct {
	bun.BaseModel `bun:"table:outbound_messages,alias:om"`

	ID                string         `bun:"id,pk"`
	TenantID          string         `bun:"tenant_id,notnull"`
	DeviceID          string         `bun:"device_id,notnull"`
	To                string         `bun:"to_address,notnull"`
	Type              string         `bun:"type,notnull,default:'text'"`
	PayloadJSON       string         `bun:"payload_json,notnull"`
	IsTest            bool           `bun:"is_test,notnull,default:false"`
	Status            string         `bun:"status,notnull,default:'QUEUED'"`
	ProviderMessageID sql.NullString `bun:"provider_message_id"`
	Error             sql.NullString `bun:"error"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// PublicQrLink is a one-time QR exposure link for a Device (I8).
type PublicQrLink struct {
	bun.BaseModel `bun:"table:public_qr_links,alias:pql"`

	ID        string    `bun:"id,pk"`
	DeviceID  string    `bun:"device_id,notnull"`
	Token     string    `bun:"token,notnull,unique"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
}

// Log is a diagnostic trail row, fed by the slog handler in internal/opshell.
type Log struct {
	bun.BaseModel `bun:"table:logs,alias:lg"`

	ID        int64          `bun:"id,pk,autoincrement"`
	Level     string         `bun:"level,notnull"`
	Service   string         `bun:"service,notnull"`
	Message   string         `bun:"message,notnull"`
	Error     sql.NullString `bun:"error"`
	Metadata  sql.NullString `bun:"metadata"`
	TenantID  sql.NullString `bun:"tenant_id"`
	DeviceID  sql.NullString `bun:"device_id"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// DB wraps a dual-dialect bun.DB, mirroring the teacher's own DB struct.
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns "sqlite" or "postgres".
func (db *DB) DBType() string { return db.dbType }

// Open opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	return OpenDB("sqlite", dbPath)
}

// OpenDB opens a database connection for the given type and DSN, runs any
// pending migrations, and returns the DB handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		// Keep at least one connection open so in-memory databases survive
		// between borrowed connections.
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}
	return &DB{bun: bunDB, dbType: dbType}, nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.bun.Close() }

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error { return db.bun.PingContext(ctx) }

// ExecRaw runs a raw statement against the underlying connection; used by
// test helpers (dbtest) and seed scripts.
func (db *DB) ExecRaw(query string, args ...any) (sql.Result, error) {
	return db.bun.Exec(query, args...)
}

// --- Tenant ---

func (db *DB) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := db.bun.NewInsert().Model(t).Exec(ctx)
	return err
}

func (db *DB) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := new(Tenant)
	err := db.bun.NewSelect().Model(t).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (db *DB) ListTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	err := db.bun.NewSelect().Model(&tenants).OrderExpr("name").Scan(ctx)
	return tenants, err
}

// --- Device ---

func (db *DB) CreateDevice(ctx context.Context, d *Device) error {
	_, err := db.bun.NewInsert().Model(d).Exec(ctx)
	return err
}

func (db *DB) GetDevice(ctx context.Context, id string) (*Device, error) {
	d := new(Device)
	err := db.bun.NewSelect().Model(d).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (db *DB) ListDevicesByTenant(ctx context.Context, tenantID string) ([]Device, error) {
	var devices []Device
	err := db.bun.NewSelect().Model(&devices).Where("tenant_id = ?", tenantID).OrderExpr("created_at").Scan(ctx)
	return devices, err
}

// ListDevicesWithSession returns every device that owns a WaSession row,
// the Reconnect Sweeper's fleet list (§4.9).
func (db *DB) ListDevicesWithSession(ctx context.Context) ([]Device, error) {
	var devices []Device
	err := db.bun.NewSelect().Model(&devices).
		Where("id IN (SELECT device_id FROM wa_sessions)").
		OrderExpr("id").
		Scan(ctx)
	return devices, err
}

func (db *DB) UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := db.bun.NewUpdate().Model(d).WherePK().Exec(ctx)
	return checkRowsAffected(res, err)
}

// SetDeviceStatus is the narrow update the Session Manager issues on every
// transport event (§4.4); it never touches Label or TenantID.
func (db *DB) SetDeviceStatus(ctx context.Context, id string, status DeviceStatus, qr, lastError *string, lastSeenAt *time.Time) error {
	q := db.bun.NewUpdate().Model((*Device)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC())
	if qr != nil {
		q = q.Set("qr = ?", *qr)
	} else {
		q = q.Set("qr = NULL")
	}
	if lastError != nil {
		q = q.Set("last_error = ?", *lastError)
	} else {
		q = q.Set("last_error = NULL")
	}
	if lastSeenAt != nil {
		q = q.Set("last_seen_at = ?", *lastSeenAt)
	}
	res, err := q.Where("id = ?", id).Exec(ctx)
	return checkRowsAffected(res, err)
}

func (db *DB) TouchDeviceLastSeen(ctx context.Context, id string, at time.Time) error {
	res, err := db.bun.NewUpdate().Model((*Device)(nil)).
		Set("last_seen_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return checkRowsAffected(res, err)
}

func (db *DB) DeleteDevice(ctx context.Context, id string) error {
	res, err := db.bun.NewDelete().Model((*Device)(nil)).Where("id = ?", id).Exec(ctx)
	return checkRowsAffected(res, err)
}

// --- WaSession ---

func (db *DB) UpsertWaSession(ctx context.Context, deviceID, authStateEnc string) error {
	ws := &WaSession{DeviceID: deviceID, AuthStateEnc: authStateEnc, UpdatedAt: time.Now().UTC()}
	_, err := db.bun.NewInsert().Model(ws).
		On("CONFLICT (device_id) DO UPDATE").
		Set("auth_state_enc = EXCLUDED.auth_state_enc").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (db *DB) GetWaSession(ctx context.Context, deviceID string) (*WaSession, error) {
	ws := new(WaSession)
	err := db.bun.NewSelect().Model(ws).Where("device_id = ?", deviceID).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (db *DB) DeleteWaSession(ctx context.Context, deviceID string) error {
	res, err := db.bun.NewDelete().Model((*WaSession)(nil)).Where("device_id = ?", deviceID).Exec(ctx)
	return checkRowsAffected(res, err)
}

// --- WebhookEndpoint ---

func (db *DB) CreateWebhookEndpoint(ctx context.Context, e *WebhookEndpoint) error {
	_, err := db.bun.NewInsert().Model(e).Exec(ctx)
	return err
}

func (db *DB) GetWebhookEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error) {
	e := new(WebhookEndpoint)
	err := db.bun.NewSelect().Model(e).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListEnabledWebhookEndpoints returns the fan-out set for the Event+Delivery
// invariant (I5): every enabled endpoint of a tenant at the moment of call.
func (db *DB) ListEnabledWebhookEndpoints(ctx context.Context, tenantID string) ([]WebhookEndpoint, error) {
	var endpoints []WebhookEndpoint
	err := db.bun.NewSelect().Model(&endpoints).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		OrderExpr("created_at").
		Scan(ctx)
	return endpoints, err
}

// --- Event + WebhookDelivery (atomic fan-out, I5) ---

// CreateEventWithDeliveries persists one Event and one PENDING WebhookDelivery
// per currently-enabled endpoint of the event's tenant inside a single
// transaction, satisfying the Event+WebhookDelivery atomicity invariant
// (§9 Open Questions, §4.5 step 5).
func (db *DB) CreateEventWithDeliveries(ctx context.Context, event *Event) ([]WebhookDelivery, error) {
	var deliveries []WebhookDelivery
	err := db.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(event).Exec(ctx); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		var endpoints []WebhookEndpoint
		if err := tx.NewSelect().Model(&endpoints).
			Where("tenant_id = ? AND enabled = ?", event.TenantID, true).
			Scan(ctx); err != nil {
			return fmt.Errorf("select enabled endpoints: %w", err)
		}

		for _, ep := range endpoints {
			d := WebhookDelivery{
				ID:         newID(),
				EndpointID: ep.ID,
				EventID:    event.ID,
				Status:     string(WebhookDeliveryPending),
			}
			if _, err := tx.NewInsert().Model(&d).Exec(ctx); err != nil {
				return fmt.Errorf("insert delivery for endpoint %s: %w", ep.ID, err)
			}
			deliveries = append(deliveries, d)
		}
		return nil
	})
	return deliveries, err
}

// --- WebhookDelivery ---

func (db *DB) GetWebhookDelivery(ctx context.Context, id string) (*WebhookDelivery, error) {
	d := new(WebhookDelivery)
	err := db.bun.NewSelect().Model(d).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DeliveryJoin bundles a WebhookDelivery with its parent Endpoint and Event,
// the row shape the Webhook Dispatcher needs per job (§4.8 step 1).
type DeliveryJoin struct {
	Delivery WebhookDelivery
	Endpoint WebhookEndpoint
	Event    Event
}

func (db *DB) GetDeliveryJoin(ctx context.Context, deliveryID string) (*DeliveryJoin, error) {
	d, err := db.GetWebhookDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := db.GetWebhookEndpoint(ctx, d.EndpointID)
	if err != nil {
		return nil, err
	}
	ev := new(Event)
	if err := db.bun.NewSelect().Model(ev).Where("id = ?", d.EventID).Scan(ctx); err != nil {
		return nil, err
	}
	return &DeliveryJoin{Delivery: *d, Endpoint: *ep, Event: *ev}, nil
}

// MarkWebhookDeliverySuccess implements §4.8 step 5's success transition.
func (db *DB) MarkWebhookDeliverySuccess(ctx context.Context, id string, attempts int) error {
	res, err := db.bun.NewUpdate().Model((*WebhookDelivery)(nil)).
		Set("status = ?", WebhookDeliverySuccess).
		Set("attempts = ?", attempts).
		Set("last_error = NULL").
		Set("next_retry_at = NULL").
		Where("id = ?", id).
		Exec(ctx)
	return checkRowsAffected(res, err)
}

// MarkWebhookDeliveryRetry implements §4.8 step 6's retry branch.
func (db *DB) MarkWebhookDeliveryRetry(ctx context.Context, id string, attempts int, lastErr string, nextRetryAt time.Time) error {
	res, err := db.bun.NewUpdate().Model((*WebhookDelivery)(nil)).
		Set("status = ?", WebhookDeliveryFailed).
		Set("attempts = ?", attempts).
		Set("last_error = ?", lastErr).
		Set("next_retry_at = ?", nextRetryAt).
		Where("id = ?", id).
		Exec(ctx)
	return checkRowsAffected(res, err)
}

// MarkWebhookDeliveryDLQ implements §4.8 step 6's exhaustion branch.
func (db *DB) MarkWebhookDeliveryDLQ(ctx context.Context, id string, attempts int, lastErr string) error {
	res, err := db.bun.NewUpdate().Model((*WebhookDelivery)(nil)).
		Set("status = ?", WebhookDeliveryDLQ).
		Set("attempts = ?", attempts).
		Set("last_error = ?", lastErr).
		Set("next_retry_at = NULL").
		Where("id = ?", id).
		Exec(ctx)
	return checkRowsAffected(res, err)
}

// --- OutboundMessage ---

func (db *DB) CreateOutboundMessage(ctx context.Context, m *OutboundMessage) error {
	_, err := db.bun.NewInsert().Model(m).Exec(ctx)
	return err
}

func (db *DB) GetOutboundMessage(ctx context.Context, id string) (*OutboundMessage, error) {
	m := new(OutboundMessage)
	err := db.bun.NewSelect().Model(m).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (db *DB) SetOutboundMessageProcessing(ctx context.Context, id string) error {
	res, err := db.bun.NewUpdate().Model((*OutboundMessage)(nil)).
		Set("status = ?", OutboundStatusProcessing).
		Where("id = ? AND status = ?", id, OutboundStatusQueued).
		Exec(ctx)
	return checkRowsAffected(res, err)
}

func (db *DB) SetOutboundMessageSent(ctx context.Context, id, providerMessageID string) error {
	res, err := db.bun.NewUpdate().Model((*OutboundMessage)(nil)).
		Set("status = ?", OutboundStatusSent).
		Set("provider_message_id = ?", providerMessageID).
		Where("id = ?", id).
		Exec(ctx)
	return checkRowsAffected(res, err)
}

func (db *DB) SetOutboundMessageFailed(ctx context.Context, id, reason string) error {
	res, err := db.bun.NewUpdate().Model((*OutboundMessage)(nil)).
		Set("status = ?", OutboundStatusFailed).
		Set("error = ?", reason).
		Where("id = ?", id).
		Exec(ctx)
	return checkRowsAffected(res, err)
}

// --- PublicQrLink ---

func (db *DB) CreatePublicQrLink(ctx context.Context, l *PublicQrLink) error {
	_, err := db.bun.NewInsert().Model(l).Exec(ctx)
	return err
}

func (db *DB) GetPublicQrLinkByToken(ctx context.Context, token string) (*PublicQrLink, error) {
	l := new(PublicQrLink)
	err := db.bun.NewSelect().Model(l).Where("token = ?", token).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ExpirePublicQrLinksForDevice implements I8's "ONLINE transition expires all
// live links for that device" rule; it is idempotent on already-expired rows.
func (db *DB) ExpirePublicQrLinksForDevice(ctx context.Context, deviceID string, now time.Time) error {
	_, err := db.bun.NewUpdate().Model((*PublicQrLink)(nil)).
		Set("expires_at = ?", now).
		Where("device_id = ? AND expires_at > ?", deviceID, now).
		Exec(ctx)
	return err
}

// --- Log ---

func (db *DB) InsertLog(ctx context.Context, l *Log) error {
	_, err := db.bun.NewInsert().Model(l).Exec(ctx)
	return err
}

func (db *DB) RecentLogs(ctx context.Context, limit int) ([]Log, error) {
	var logs []Log
	err := db.bun.NewSelect().Model(&logs).OrderExpr("id DESC").Limit(limit).Scan(ctx)
	return logs, err
}

func checkRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
