package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/db/dbtest"
)

func seedTenantAndDevice(t *testing.T, ctx context.Context, database *db.DB) (*db.Tenant, *db.Device) {
	t.Helper()
	tenant := &db.Tenant{Name: "Acme"}
	if err := database.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	device := &db.Device{TenantID: tenant.ID, Label: "front-desk"}
	if err := database.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	return tenant, device
}

func TestCreateEventWithDeliveries_FansOutToEnabledEndpointsOnly(t *testing.T) {
	ctx := context.Background()
	database := dbtest.NewTestDB(t)
	tenant, device := seedTenantAndDevice(t, ctx, database)

	enabled := &db.WebhookEndpoint{TenantID: tenant.ID, URL: "https://e1.example/hook", Secret: "s1", Enabled: true}
	disabled := &db.WebhookEndpoint{TenantID: tenant.ID, URL: "https://e2.example/hook", Secret: "s2", Enabled: false}
	if err := database.CreateWebhookEndpoint(ctx, enabled); err != nil {
		t.Fatalf("CreateWebhookEndpoint(enabled) error = %v", err)
	}
	if err := database.CreateWebhookEndpoint(ctx, disabled); err != nil {
		t.Fatalf("CreateWebhookEndpoint(disabled) error = %v", err)
	}

	event := &db.Event{
		TenantID:       tenant.ID,
		DeviceID:       device.ID,
		Type:           "message.inbound",
		NormalizedJSON: `{"kind":"inbound_message"}`,
		RawJSON:        `{}`,
	}
	deliveries, err := database.CreateEventWithDeliveries(ctx, event)
	if err != nil {
		t.Fatalf("CreateEventWithDeliveries() error = %v", err)
	}

	if len(deliveries) != 1 {
		t.Fatalf("len(deliveries) = %d, want 1 (only the enabled endpoint)", len(deliveries))
	}
	if deliveries[0].EndpointID != enabled.ID {
		t.Errorf("delivery endpoint = %s, want %s", deliveries[0].EndpointID, enabled.ID)
	}
	if deliveries[0].Status != string(db.WebhookDeliveryPending) {
		t.Errorf("delivery status = %s, want PENDING", deliveries[0].Status)
	}
}

func TestWebhookDeliveryTransitions(t *testing.T) {
	ctx := context.Background()
	database := dbtest.NewTestDB(t)
	tenant, device := seedTenantAndDevice(t, ctx, database)

	endpoint := &db.WebhookEndpoint{TenantID: tenant.ID, URL: "https://e1.example/hook", Secret: "s1", Enabled: true}
	if err := database.CreateWebhookEndpoint(ctx, endpoint); err != nil {
		t.Fatalf("CreateWebhookEndpoint() error = %v", err)
	}
	event := &db.Event{TenantID: tenant.ID, DeviceID: device.ID, Type: "message.inbound", NormalizedJSON: "{}", RawJSON: "{}"}
	deliveries, err := database.CreateEventWithDeliveries(ctx, event)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("CreateEventWithDeliveries() = %v, %v", deliveries, err)
	}
	id := deliveries[0].ID

	if err := database.MarkWebhookDeliveryRetry(ctx, id, 1, "503", time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("MarkWebhookDeliveryRetry() error = %v", err)
	}
	got, err := database.GetWebhookDelivery(ctx, id)
	if err != nil {
		t.Fatalf("GetWebhookDelivery() error = %v", err)
	}
	if got.Status != string(db.WebhookDeliveryFailed) || got.Attempts != 1 {
		t.Errorf("after retry: status=%s attempts=%d, want FAILED/1", got.Status, got.Attempts)
	}

	if err := database.MarkWebhookDeliveryDLQ(ctx, id, 5, "503"); err != nil {
		t.Fatalf("MarkWebhookDeliveryDLQ() error = %v", err)
	}
	got, err = database.GetWebhookDelivery(ctx, id)
	if err != nil {
		t.Fatalf("GetWebhookDelivery() error = %v", err)
	}
	if got.Status != string(db.WebhookDeliveryDLQ) || got.Attempts != 5 {
		t.Errorf("after DLQ: status=%s attempts=%d, want DLQ/5", got.Status, got.Attempts)
	}
}

func TestOutboundMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	database := dbtest.NewTestDB(t)
	tenant, device := seedTenantAndDevice(t, ctx, database)

	msg := &db.OutboundMessage{TenantID: tenant.ID, DeviceID: device.ID, To: "5491122223333@s.whatsapp.net", PayloadJSON: `{"text":"hola"}`}
	if err := database.CreateOutboundMessage(ctx, msg); err != nil {
		t.Fatalf("CreateOutboundMessage() error = %v", err)
	}
	if msg.Status != string(db.OutboundStatusQueued) {
		t.Fatalf("status after create = %s, want QUEUED", msg.Status)
	}

	if err := database.SetOutboundMessageProcessing(ctx, msg.ID); err != nil {
		t.Fatalf("SetOutboundMessageProcessing() error = %v", err)
	}
	if err := database.SetOutboundMessageFailed(ctx, msg.ID, "device_not_online:OFFLINE"); err != nil {
		t.Fatalf("SetOutboundMessageFailed() error = %v", err)
	}

	got, err := database.GetOutboundMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetOutboundMessage() error = %v", err)
	}
	if got.Status != string(db.OutboundStatusFailed) || !got.Error.Valid || got.Error.String != "device_not_online:OFFLINE" {
		t.Errorf("got %+v, want FAILED with device_not_online error", got)
	}
}

func TestPublicQrLinkExpiry(t *testing.T) {
	ctx := context.Background()
	database := dbtest.NewTestDB(t)
	_, device := seedTenantAndDevice(t, ctx, database)

	link := &db.PublicQrLink{DeviceID: device.ID, Token: "deadbeef00000000000000000000000000000000000000000000000000aa", ExpiresAt: time.Now().Add(24 * time.Hour)}
	if err := database.CreatePublicQrLink(ctx, link); err != nil {
		t.Fatalf("CreatePublicQrLink() error = %v", err)
	}

	now := time.Now()
	if err := database.ExpirePublicQrLinksForDevice(ctx, device.ID, now); err != nil {
		t.Fatalf("ExpirePublicQrLinksForDevice() error = %v", err)
	}

	got, err := database.GetPublicQrLinkByToken(ctx, link.Token)
	if err != nil {
		t.Fatalf("GetPublicQrLinkByToken() error = %v", err)
	}
	if got.ExpiresAt.After(now) {
		t.Errorf("ExpiresAt = %v, want <= %v", got.ExpiresAt, now)
	}
}
