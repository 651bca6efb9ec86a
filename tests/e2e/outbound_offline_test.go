package e2e

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/outbound"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/sessions"
)

// offlineLookup always reports no live session, standing in for a device
// that has never connected or dropped its socket.
type offlineLookup struct{}

func (offlineLookup) Get(deviceID string) (sessions.Handle, bool) { return sessions.Handle{}, false }

var _ = Describe("outbound send without an online device", func() {
	It("fails the message without touching the transport", func() {
		ctx := context.Background()
		database := newTestDB()
		tenant := seedTenant(database, "acme")
		device := seedDevice(database, tenant.ID, "phone-1")

		msg := &db.OutboundMessage{
			TenantID:    tenant.ID,
			DeviceID:    device.ID,
			To:          "18005550199@s.whatsapp.net",
			Type:        "text",
			PayloadJSON: `{"text":"hola"}`,
		}
		Expect(database.CreateOutboundMessage(ctx, msg)).To(Succeed())

		env, err := queue.NewSendJob(msg.ID)
		Expect(err).NotTo(HaveOccurred())

		d := outbound.NewDispatcher(database, offlineLookup{}, nil)
		Expect(d.Handle(ctx, env)).To(Succeed())

		got, err := database.GetOutboundMessage(ctx, msg.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(string(db.OutboundStatusFailed)))
		Expect(got.Error.String).To(Equal("device_not_online:OFFLINE"))
	})
})
