package authstate_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/db/dbtest"
	"github.com/relaywire/sessionengine/internal/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
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

func TestLoad_MissingRowReturnsFreshState(t *testing.T) {
	database := dbtest.NewTestDB(t)
	store := authstate.NewStore(database, testVault(t), 0, nil)
	deviceID := seedDevice(t, database)

	state, err := store.Load(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(state.Creds()) != "{}" {
		t.Errorf("Creds() = %s, want fresh {}", state.Creds())
	}
	if got := state.Get(authstate.BucketSession, []string{"x"}); len(got) != 0 {
		t.Errorf("Get() on fresh state = %v, want empty", got)
	}
}

func TestSaveNowThenLoad_RoundTrips(t *testing.T) {
	database := dbtest.NewTestDB(t)
	v := testVault(t)
	store := authstate.NewStore(database, v, 0, nil)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	state, _ := store.Load(ctx, deviceID)
	state.SetCreds([]byte(`{"noiseKey":"abc"}`))
	state.Set(map[authstate.BucketKind]map[string][]byte{
		authstate.BucketSession: {"5491122223333": []byte("session-blob")},
	})
	if err := state.SaveNow(ctx); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}

	reloaded, err := store.Load(ctx, deviceID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(reloaded.Creds()) != `{"noiseKey":"abc"}` {
		t.Errorf("Creds() = %s, want preserved blob", reloaded.Creds())
	}
	got := reloaded.Get(authstate.BucketSession, []string{"5491122223333"})
	if string(got["5491122223333"]) != "session-blob" {
		t.Errorf("Get(session) = %v, want session-blob", got)
	}
}

func TestClearCorrupted_RemovesOnlyTheThreeBuckets(t *testing.T) {
	database := dbtest.NewTestDB(t)
	store := authstate.NewStore(database, testVault(t), 0, nil)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	state, _ := store.Load(ctx, deviceID)
	state.Set(map[authstate.BucketKind]map[string][]byte{
		authstate.BucketSession:           {"a": []byte("1")},
		authstate.BucketSenderKey:         {"b": []byte("2")},
		authstate.BucketSenderKeyMemory:   {"c": []byte("3")},
		authstate.BucketPreKey:            {"d": []byte("4")},
	})

	if err := state.ClearCorrupted(ctx); err != nil {
		t.Fatalf("ClearCorrupted() error = %v", err)
	}

	if got := state.Get(authstate.BucketSession, []string{"a"}); len(got) != 0 {
		t.Errorf("session bucket not cleared: %v", got)
	}
	if got := state.Get(authstate.BucketSenderKey, []string{"b"}); len(got) != 0 {
		t.Errorf("sender-key bucket not cleared: %v", got)
	}
	if got := state.Get(authstate.BucketPreKey, []string{"d"}); len(got) == 0 {
		t.Error("pre-keys bucket was cleared but should survive ClearCorrupted")
	}
}

func TestClearSenderInMemory_MatchesUserPartVariants(t *testing.T) {
	database := dbtest.NewTestDB(t)
	store := authstate.NewStore(database, testVault(t), 0, nil)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	state, _ := store.Load(ctx, deviceID)
	state.Set(map[authstate.BucketKind]map[string][]byte{
		authstate.BucketSession: {
			"5491122223333":      []byte("1"),
			"5491122223333:45":   []byte("2"),
			"5491122223333.web":  []byte("3"),
			"999999999999":       []byte("keep"),
		},
		authstate.BucketSenderKey: {
			"sender-key-5491122223333-1": []byte("skv"),
			"sender-key-999999999999-1":  []byte("keep"),
		},
	})

	state.ClearSenderInMemory([]string{"5491122223333@s.whatsapp.net"})

	remaining := state.Get(authstate.BucketSession, []string{"5491122223333", "5491122223333:45", "5491122223333.web", "999999999999"})
	if len(remaining) != 1 || string(remaining["999999999999"]) != "keep" {
		t.Errorf("session bucket after clear = %v, want only 999999999999 to remain", remaining)
	}

	remainingSK := state.Get(authstate.BucketSenderKey, []string{"sender-key-5491122223333-1", "sender-key-999999999999-1"})
	if len(remainingSK) != 1 {
		t.Errorf("sender-key bucket after clear = %v, want only the unrelated entry to remain", remainingSK)
	}
}

func TestClearSessionsForJids_OutOfBandRewritesPersistedRow(t *testing.T) {
	database := dbtest.NewTestDB(t)
	store := authstate.NewStore(database, testVault(t), 0, nil)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	state, _ := store.Load(ctx, deviceID)
	state.Set(map[authstate.BucketKind]map[string][]byte{
		authstate.BucketSession: {"5491122223333": []byte("blob")},
	})
	if err := state.SaveNow(ctx); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}

	if err := store.ClearSessionsForJids(ctx, deviceID, []string{"5491122223333@s.whatsapp.net"}); err != nil {
		t.Fatalf("ClearSessionsForJids() error = %v", err)
	}

	reloaded, _ := store.Load(ctx, deviceID)
	if got := reloaded.Get(authstate.BucketSession, []string{"5491122223333"}); len(got) != 0 {
		t.Errorf("session entry survived out-of-band clear: %v", got)
	}
}

func TestDebouncedSave_CoalescesIntoOneWrite(t *testing.T) {
	database := dbtest.NewTestDB(t)
	store := authstate.NewStore(database, testVault(t), 30*time.Millisecond, nil)
	deviceID := seedDevice(t, database)
	ctx := context.Background()

	state, _ := store.Load(ctx, deviceID)
	state.SetCreds([]byte(`{"v":1}`))
	state.SetCreds([]byte(`{"v":2}`))
	state.SetCreds([]byte(`{"v":3}`))

	time.Sleep(80 * time.Millisecond)

	reloaded, err := store.Load(ctx, deviceID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(reloaded.Creds()) != `{"v":3}` {
		t.Errorf("Creds() = %s, want final coalesced value {\"v\":3}", reloaded.Creds())
	}
}
