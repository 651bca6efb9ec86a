package e2e

import (
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/chattransport/chattransporttest"
	"github.com/relaywire/sessionengine/internal/inbound"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/sessions"
	"github.com/relaywire/sessionengine/internal/vault"
	"github.com/relaywire/sessionengine/internal/webhook"
)

// inlineProducer runs every enqueued queue.Handler synchronously in
// Enqueue itself, standing in for the Redis-backed Broker so these specs
// don't need a real queue runtime.
type inlineProducer struct {
	handlers map[queue.Name]queue.Handler
}

func (p *inlineProducer) Enqueue(ctx context.Context, env queue.Envelope) error {
	h, ok := p.handlers[env.Queue]
	if !ok {
		return nil
	}
	return h(ctx, env)
}

var _ queue.Producer = (*inlineProducer)(nil)

// testVault returns a throwaway 32-byte-key vault for auth-state encryption.
func testVault() *vault.Vault {
	key := make([]byte, 32)
	rand.Read(key)
	v, err := vault.New(key)
	Expect(err).NotTo(HaveOccurred())
	return v
}

// handleLookup indirects inbound.Pipeline's SocketLookup onto a
// *sessions.Manager constructed after the Pipeline, the same cycle-break
// cmd/worker's managerLookup uses.
type handleLookup struct {
	manager *sessions.Manager
}

func (l *handleLookup) Get(deviceID string) (sessions.Handle, bool) {
	if l.manager == nil {
		return sessions.Handle{}, false
	}
	return l.manager.Get(deviceID)
}

var _ inbound.SocketLookup = (*handleLookup)(nil)

var _ = Describe("text fan-out", func() {
	It("delivers to every enabled endpoint and skips disabled ones", func() {
		database := newTestDB()
		tenant := seedTenant(database, "acme")
		device := seedDevice(database, tenant.ID, "phone-1")

		var deliveredBody atomic.Value
		enabled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			deliveredBody.Store(string(body))
			w.WriteHeader(http.StatusOK)
		}))
		defer enabled.Close()

		var disabledHit atomic.Bool
		disabled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			disabledHit.Store(true)
			w.WriteHeader(http.StatusOK)
		}))
		defer disabled.Close()

		seedWebhookEndpoint(database, tenant.ID, enabled.URL, true)
		seedWebhookEndpoint(database, tenant.ID, disabled.URL, false)

		dialer := chattransporttest.NewFakeDialer()
		authStore := authstate.NewStore(database, testVault(), 0, nil)
		webhookDispatcher := webhook.NewDispatcher(database, nil)
		producer := &inlineProducer{handlers: map[queue.Name]queue.Handler{
			queue.WebhookDispatch: webhookDispatcher.Handle,
		}}

		lookup := &handleLookup{}
		pipeline := inbound.NewPipeline(database, lookup, producer, "", nil)
		manager := sessions.NewManager(database, authStore, dialer, pipeline, nil)
		lookup.manager = manager

		Expect(manager.Connect(context.Background(), device.ID)).To(Succeed())
		socket := dialer.Socket(device.ID)
		socket.PushOpen("18005550100@s.whatsapp.net")

		ts := int64(1736900000)
		socket.PushMessages("notify", chattransport.InboundMessage{
			Key:              chattransport.MessageKey{ID: "text-fanout-1", RemoteJid: "5491122223333@s.whatsapp.net"},
			MessageJSON:      []byte(`{"conversation":"hola"}`),
			MessageTimestamp: &ts,
		})

		Eventually(func() bool {
			return deliveredBody.Load() != nil
		}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

		Consistently(func() bool { return disabledHit.Load() }, 200*time.Millisecond).Should(BeFalse())

		body := deliveredBody.Load().(string)
		Expect(body).To(ContainSubstring(`"Type":"text"`))
		Expect(body).To(ContainSubstring("hola"))
	})
})
