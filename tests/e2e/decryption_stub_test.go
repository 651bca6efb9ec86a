package e2e

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/chattransport/chattransporttest"
	"github.com/relaywire/sessionengine/internal/inbound"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/sessions"
)

var _ = Describe("decryption stub reconcile", func() {
	It("evicts keys, tears the socket down, and schedules a reconnect", func() {
		database := newTestDB()
		tenant := seedTenant(database, "acme")
		device := seedDevice(database, tenant.ID, "phone-1")
		seedWebhookEndpoint(database, tenant.ID, "https://example.test/hook", true)

		dialer := chattransporttest.NewFakeDialer()
		authStore := authstate.NewStore(database, testVault(), 0, nil)
		producer := &inlineProducer{handlers: map[queue.Name]queue.Handler{}}
		lookup := &handleLookup{}
		pipeline := inbound.NewPipeline(database, lookup, producer, "", nil)
		manager := sessions.NewManager(database, authStore, dialer, pipeline, nil)
		lookup.manager = manager

		Expect(manager.Connect(context.Background(), device.ID)).To(Succeed())
		socket := dialer.Socket(device.ID)
		socket.PushOpen("5491122223333@s.whatsapp.net")

		Eventually(func() bool {
			_, ok := socket.AuthenticatedUser()
			return ok
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		stubType := "1"
		socket.PushMessages("notify", chattransport.InboundMessage{
			Key:                   chattransport.MessageKey{ID: "decrypt-stub-1", RemoteJid: "67229240574002@lid"},
			MessageStubType:       &stubType,
			MessageStubParameters: []string{"No matching sessions found for message"},
		})

		Eventually(func() bool {
			ended, _ := socket.Ended()
			return ended
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		Eventually(func() bool {
			_, ok := manager.Get(device.ID)
			return ok
		}, sessions.ReconcileReconnectDelay+time.Second, 10*time.Millisecond).Should(BeTrue())
	})
})
