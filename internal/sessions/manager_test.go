package sessions_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/chattransport/chattransporttest"
	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/db/dbtest"
	"github.com/relaywire/sessionengine/internal/sessions"
	"github.com/relaywire/sessionengine/internal/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	rand.Read(key)
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	return v
}

func seedDevice(t *testing.T, database *db.DB) string {
	t.Helper()
	ctx := context.Background()
	tenant := &db.Tenant{Name: "acme"}
	if err := database.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	device := &db.Device{TenantID: tenant.ID, Label: "phone-1"}
	if err := database.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	return device.ID
}

func newTestManager(t *testing.T) (*sessions.Manager, *db.DB, *chattransporttest.FakeDialer) {
	t.Helper()
	database := dbtest.NewTestDB(t)
	store := authstate.NewStore(database, testVault(t), 0, nil)
	dialer := chattransporttest.NewFakeDialer()
	mgr := sessions.NewManager(database, store, dialer, nil, nil)
	return mgr, database, dialer
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestConnect_IsIdempotent(t *testing.T) {
	mgr, _, dialer := newTestManager(t)
	deviceID := "dev-1"

	if err := mgr.Connect(context.Background(), deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := mgr.Connect(context.Background(), deviceID); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	_ = dialer
	if _, ok := mgr.Get(deviceID); !ok {
		t.Fatal("Get() after Connect() = not found")
	}
}

func TestConnect_QREventSetsDeviceStatus(t *testing.T) {
	mgr, database, dialer := newTestManager(t)
	deviceID := seedDevice(t, database)

	if err := mgr.Connect(context.Background(), deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	dialer.Socket(deviceID).PushQR("1234-qr-token")

	waitFor(t, time.Second, func() bool {
		d, err := database.GetDevice(context.Background(), deviceID)
		return err == nil && d.Status == string(db.DeviceStatusQR)
	})

	d, err := database.GetDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !d.QR.Valid || d.QR.String != "1234-qr-token" {
		t.Errorf("QR = %+v, want 1234-qr-token", d.QR)
	}
}

func TestConnect_OpenEventSetsOnlineAndExpiresQrLinks(t *testing.T) {
	mgr, database, dialer := newTestManager(t)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	link := &db.PublicQrLink{DeviceID: deviceID, Token: "sometoken1234567890123456789012345678901234567890123456789012", ExpiresAt: time.Now().Add(time.Hour)}
	if err := database.CreatePublicQrLink(ctx, link); err != nil {
		t.Fatalf("CreatePublicQrLink() error = %v", err)
	}

	if err := mgr.Connect(ctx, deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	dialer.Socket(deviceID).PushOpen("5491122223333@s.whatsapp.net")

	waitFor(t, time.Second, func() bool {
		d, err := database.GetDevice(ctx, deviceID)
		return err == nil && d.Status == string(db.DeviceStatusOnline)
	})

	d, err := database.GetDevice(ctx, deviceID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d.QR.Valid {
		t.Errorf("QR = %+v, want cleared", d.QR)
	}
	if d.LastSeenAt.Time.IsZero() {
		t.Error("LastSeenAt not set on open")
	}
}

func TestDisconnect_TearsDownAndSetsOffline(t *testing.T) {
	mgr, database, dialer := newTestManager(t)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	if err := mgr.Connect(ctx, deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	fake := dialer.Socket(deviceID)

	if err := mgr.Disconnect(ctx, deviceID); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	if _, ok := mgr.Get(deviceID); ok {
		t.Error("Get() after Disconnect() still found a session")
	}
	ended, _ := fake.Ended()
	if !ended {
		t.Error("socket was not ended on Disconnect()")
	}

	d, err := database.GetDevice(ctx, deviceID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d.Status != string(db.DeviceStatusOffline) {
		t.Errorf("Status = %s, want OFFLINE", d.Status)
	}
}

func TestDisconnect_UnknownDeviceIsSafe(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	deviceID := seedDevice(t, database)

	if err := mgr.Disconnect(context.Background(), deviceID); err != nil {
		t.Fatalf("Disconnect() on unknown device error = %v", err)
	}
}

func TestConnectionClose_LoggedOutDoesNotReconnect(t *testing.T) {
	mgr, database, dialer := newTestManager(t)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	if err := mgr.Connect(ctx, deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	dialer.Socket(deviceID).PushClose(true, "logged out")

	waitFor(t, time.Second, func() bool {
		_, ok := mgr.Get(deviceID)
		return !ok
	})

	time.Sleep(sessions.ReconnectDelay + 100*time.Millisecond)
	if _, ok := mgr.Get(deviceID); ok {
		t.Error("session reconnected after loggedOut close")
	}
}

func TestConnectionClose_NonLoggedOutSchedulesReconnect(t *testing.T) {
	mgr, database, dialer := newTestManager(t)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	if err := mgr.Connect(ctx, deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	dialer.Socket(deviceID).PushClose(false, "stream error")

	waitFor(t, time.Second, func() bool {
		_, ok := mgr.Get(deviceID)
		return !ok
	})

	waitFor(t, sessions.ReconnectDelay+time.Second, func() bool {
		_, ok := mgr.Get(deviceID)
		return ok
	})
}

// fakeInbound lets a test control what the Inbound Pipeline would return.
type fakeInbound struct {
	reconcile *sessions.ReconcileSignal
}

func (f *fakeInbound) Process(ctx context.Context, deviceID string, ownAddress *string, msg chattransport.InboundMessage) (*sessions.ReconcileSignal, error) {
	return f.reconcile, nil
}

func TestMessagesUpsert_ReconcileSignalTearsDownAndReconnects(t *testing.T) {
	database := dbtest.NewTestDB(t)
	store := authstate.NewStore(database, testVault(t), 0, nil)
	dialer := chattransporttest.NewFakeDialer()
	inbound := &fakeInbound{reconcile: &sessions.ReconcileSignal{RemoteJid: "67229240574002@lid"}}
	mgr := sessions.NewManager(database, store, dialer, inbound, nil)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	if err := mgr.Connect(ctx, deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	fake := dialer.Socket(deviceID)
	fake.PushOpen("5491122223333@s.whatsapp.net")

	waitFor(t, time.Second, func() bool {
		ownJid, ok := fake.AuthenticatedUser()
		return ok && ownJid != ""
	})

	fake.PushMessages("notify", chattransport.InboundMessage{
		Key: chattransport.MessageKey{ID: "S2", RemoteJid: "67229240574002@lid"},
	})

	waitFor(t, time.Second, func() bool {
		ended, _ := fake.Ended()
		return ended
	})

	waitFor(t, sessions.ReconcileReconnectDelay+time.Second, func() bool {
		_, ok := mgr.Get(deviceID)
		return ok
	})
}
