// Package authstate implements the Auth-State Store (§4.2): a durable,
// encrypted facade over one Device's chat-transport authentication
// credentials and Signal-style key buckets. It sits between the Session
// Manager and internal/db+internal/vault, owning debounced persistence and
// targeted key eviction.
package authstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/normalize"
	"github.com/relaywire/sessionengine/internal/vault"
)

// BucketKind is the key-bucket sum type (§9 redesign note: "Key-buckets
// dictionary typed as open map" — modeled as an enum, not a stringly-typed
// map key).
type BucketKind int

const (
	BucketSession BucketKind = iota
	BucketSenderKey
	BucketSenderKeyMemory
	BucketPreKey
)

func (k BucketKind) String() string {
	switch k {
	case BucketSession:
		return "session"
	case BucketSenderKey:
		return "sender-key"
	case BucketSenderKeyMemory:
		return "sender-key-memory"
	case BucketPreKey:
		return "pre-keys"
	default:
		return "unknown"
	}
}

var allBucketKinds = []BucketKind{BucketSession, BucketSenderKey, BucketSenderKeyMemory, BucketPreKey}

// wireFormat is the JSON shape persisted (after encryption) in
// WaSession.authStateEnc: an opaque creds blob plus one map per bucket.
type wireFormat struct {
	Creds   json.RawMessage              `json:"creds"`
	Buckets map[string]map[string][]byte `json:"buckets"`
}

// Store loads and persists per-device State, encrypting every row through
// the Crypto Vault (I4: authStateEnc is never persisted in plaintext).
type Store struct {
	db    *db.DB
	vault *vault.Vault
	log   *slog.Logger

	// debounce is how long save() waits to coalesce bursts of key-store
	// mutations before writing (§4.2 "save" vs "saveNow").
	debounce time.Duration
}

// NewStore constructs a Store. The worker passes a 2-second debounce; pass
// 0 to disable coalescing (every save is immediate).
func NewStore(database *db.DB, v *vault.Vault, debounce time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: database, vault: v, debounce: debounce, log: log}
}

// State is one device's live, in-memory auth state plus its debounced
// persistence loop. Callers mutate it through the KeyStore facade
// (Get/Set) and Creds(); the Session Manager serializes access by handing
// exactly one in-flight session per device to the store (§4.2 failure
// semantics).
type State struct {
	store    *Store
	deviceID string

	mu      sync.Mutex
	creds   json.RawMessage
	buckets map[BucketKind]map[string][]byte

	saveTimer *time.Timer
	saveMu    sync.Mutex
}

// freshCreds is the placeholder credential blob for an unpaired device —
// equivalent to "no credentials yet", matching §4.2's load fallback.
var freshCreds = json.RawMessage(`{}`)

// Load reads and decrypts deviceID's row. If the row is missing or fails to
// decrypt/parse, it returns a fresh credential set (equivalent to an
// unpaired device) rather than an error, per §4.2's load failure semantics.
func (s *Store) Load(ctx context.Context, deviceID string) (*State, error) {
	state := &State{
		store:    s,
		deviceID: deviceID,
		creds:    freshCreds,
		buckets:  newEmptyBuckets(),
	}

	row, err := s.db.GetWaSession(ctx, deviceID)
	if err != nil {
		s.log.Warn("authstate: no existing session row, starting fresh", "deviceId", deviceID, "error", err)
		return state, nil
	}

	plaintext, err := s.vault.Decrypt(row.AuthStateEnc)
	if err != nil {
		s.log.Error("authstate: failed to decrypt auth state, starting fresh", "deviceId", deviceID, "error", err)
		return state, nil
	}

	var wire wireFormat
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		s.log.Error("authstate: failed to parse auth state, starting fresh", "deviceId", deviceID, "error", err)
		return state, nil
	}

	state.creds = wire.Creds
	for _, kind := range allBucketKinds {
		if m, ok := wire.Buckets[kind.String()]; ok {
			state.buckets[kind] = m
		}
	}
	return state, nil
}

func newEmptyBuckets() map[BucketKind]map[string][]byte {
	m := make(map[BucketKind]map[string][]byte, len(allBucketKinds))
	for _, kind := range allBucketKinds {
		m[kind] = make(map[string][]byte)
	}
	return m
}

// Creds returns the current opaque credential blob.
func (st *State) Creds() json.RawMessage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.creds
}

// SetCreds replaces the credential blob (transport's creds.update event)
// and schedules a debounced save.
func (st *State) SetCreds(creds json.RawMessage) {
	st.mu.Lock()
	st.creds = creds
	st.mu.Unlock()
	st.save()
}

// Get implements the key-store facade's read side: returns the blobs for
// the given ids in one bucket, omitting ids with no entry.
func (st *State) Get(kind BucketKind, ids []string) map[string][]byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := st.buckets[kind][id]; ok {
			out[id] = v
		}
	}
	return out
}

// Set implements the key-store facade's write side: a nil value deletes
// the entry, a non-nil value upserts it. Schedules a debounced save.
func (st *State) Set(updates map[BucketKind]map[string][]byte) {
	st.mu.Lock()
	for kind, entries := range updates {
		bucket := st.buckets[kind]
		if bucket == nil {
			bucket = make(map[string][]byte)
			st.buckets[kind] = bucket
		}
		for id, value := range entries {
			if value == nil {
				delete(bucket, id)
			} else {
				bucket[id] = value
			}
		}
	}
	st.mu.Unlock()
	st.save()
}

// Marshal implements chattransport.AuthState, serializing the full
// creds+buckets state for a Dialer's initial handshake frame.
func (st *State) Marshal() ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return json.Marshal(st.toWireLocked())
}

func (st *State) toWireLocked() wireFormat {
	buckets := make(map[string]map[string][]byte, len(st.buckets))
	for kind, entries := range st.buckets {
		buckets[kind.String()] = entries
	}
	return wireFormat{Creds: st.creds, Buckets: buckets}
}

// save schedules a debounced persist; repeated calls within the debounce
// window coalesce into a single write.
func (st *State) save() {
	if st.store.debounce <= 0 {
		st.persistBestEffort(context.Background())
		return
	}

	st.saveMu.Lock()
	defer st.saveMu.Unlock()
	if st.saveTimer != nil {
		st.saveTimer.Stop()
	}
	st.saveTimer = time.AfterFunc(st.store.debounce, func() {
		st.persistBestEffort(context.Background())
	})
}

// SaveNow flushes immediately, bypassing the debounce window.
func (st *State) SaveNow(ctx context.Context) error {
	st.saveMu.Lock()
	if st.saveTimer != nil {
		st.saveTimer.Stop()
		st.saveTimer = nil
	}
	st.saveMu.Unlock()
	return st.persist(ctx)
}

// persistBestEffort logs save failures but never propagates them (§4.2:
// "save failures are logged but never propagate").
func (st *State) persistBestEffort(ctx context.Context) {
	if err := st.persist(ctx); err != nil {
		st.store.log.Error("authstate: save failed", "deviceId", st.deviceID, "error", err)
	}
}

func (st *State) persist(ctx context.Context) error {
	st.mu.Lock()
	wire := st.toWireLocked()
	st.mu.Unlock()

	plaintext, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	token, err := st.store.vault.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return st.store.db.UpsertWaSession(ctx, st.deviceID, token)
}

// ClearCorrupted removes all entries in session, sender-key, and
// sender-key-memory, then saves immediately (§4.2).
func (st *State) ClearCorrupted(ctx context.Context) error {
	st.mu.Lock()
	st.buckets[BucketSession] = make(map[string][]byte)
	st.buckets[BucketSenderKey] = make(map[string][]byte)
	st.buckets[BucketSenderKeyMemory] = make(map[string][]byte)
	st.mu.Unlock()
	return st.SaveNow(ctx)
}

// ClearSenderInMemory purges, synchronously and in memory only, every
// session-bucket entry whose id matches userPart, "userPart:*", or
// "userPart.*", and every sender-key-bucket and sender-key-memory-bucket
// entry whose key string contains userPart (§4.2). It does not itself persist; callers that need it durable
// call SaveNow afterward.
func (st *State) ClearSenderInMemory(jids []string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, jid := range jids {
		userPart := normalize.UserPart(jid)

		for _, sessionBucket := range []BucketKind{BucketSession} {
			for id := range st.buckets[sessionBucket] {
				if matchesUserPart(id, userPart) {
					delete(st.buckets[sessionBucket], id)
				}
			}
		}
		for id := range st.buckets[BucketSenderKey] {
			if strings.Contains(id, userPart) {
				delete(st.buckets[BucketSenderKey], id)
			}
		}
		for id := range st.buckets[BucketSenderKeyMemory] {
			if strings.Contains(id, userPart) {
				delete(st.buckets[BucketSenderKeyMemory], id)
			}
		}
	}
}

func matchesUserPart(id, userPart string) bool {
	if id == userPart {
		return true
	}
	if strings.HasPrefix(id, userPart+":") || strings.HasPrefix(id, userPart+".") {
		return true
	}
	return false
}

// ClearSessionsForJids is the out-of-band variant (used by the
// reset-sender-sessions command): it rewrites the persisted row directly
// without requiring a live in-memory State, loading, mutating, and saving
// in one call (§4.2).
func (s *Store) ClearSessionsForJids(ctx context.Context, deviceID string, jids []string) error {
	state, err := s.Load(ctx, deviceID)
	if err != nil {
		return err
	}
	state.ClearSenderInMemory(jids)
	return state.SaveNow(ctx)
}
