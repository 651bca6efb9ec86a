package e2e

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/chattransport/chattransporttest"
	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/inbound"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/sessions"
)

var _ = Describe("QR exposure lifecycle", func() {
	It("expires every live QR link for a device once it reaches ONLINE", func() {
		ctx := context.Background()
		database := newTestDB()
		tenant := seedTenant(database, "acme")
		device := seedDevice(database, tenant.ID, "phone-1")

		link := &db.PublicQrLink{
			DeviceID:  device.ID,
			Token:     "qrlifecycle0000000000000000000000000000000000000000000000000",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}
		Expect(database.CreatePublicQrLink(ctx, link)).To(Succeed())

		dialer := chattransporttest.NewFakeDialer()
		authStore := authstate.NewStore(database, testVault(), 0, nil)
		producer := &inlineProducer{handlers: map[queue.Name]queue.Handler{}}
		lookup := &handleLookup{}
		pipeline := inbound.NewPipeline(database, lookup, producer, "", nil)
		manager := sessions.NewManager(database, authStore, dialer, pipeline, nil)
		lookup.manager = manager

		Expect(manager.Connect(ctx, device.ID)).To(Succeed())
		socket := dialer.Socket(device.ID)
		socket.PushQR("1@abc,def,ghi")

		beforeOpen, err := database.GetPublicQrLinkByToken(ctx, link.Token)
		Expect(err).NotTo(HaveOccurred())
		Expect(beforeOpen.ExpiresAt).To(BeTemporally(">", time.Now()))

		socket.PushOpen("18005550100@s.whatsapp.net")

		Eventually(func() bool {
			got, err := database.GetPublicQrLinkByToken(ctx, link.Token)
			if err != nil {
				return false
			}
			return !got.ExpiresAt.After(time.Now())
		}, time.Second, 5*time.Millisecond).Should(BeTrue())
	})
})
