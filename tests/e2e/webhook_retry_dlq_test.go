package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/webhook"
)

var _ = Describe("webhook retry exhaustion to DLQ", func() {
	It("moves a delivery to DLQ after five failing attempts", func() {
		ctx := context.Background()
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("service unavailable"))
		}))
		defer srv.Close()

		database := newTestDB()
		tenant := seedTenant(database, "acme")
		device := seedDevice(database, tenant.ID, "phone-1")
		seedWebhookEndpoint(database, tenant.ID, srv.URL, true)

		event := &db.Event{TenantID: tenant.ID, DeviceID: device.ID, Type: "message.inbound", NormalizedJSON: `{"from":"x"}`, RawJSON: `{}`}
		deliveries, err := database.CreateEventWithDeliveries(ctx, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(deliveries).To(HaveLen(1))
		deliveryID := deliveries[0].ID

		d := webhook.NewDispatcher(database, nil)
		env, err := queue.NewDeliverJob(deliveryID)
		Expect(err).NotTo(HaveOccurred())

		for attempt := 1; attempt <= 4; attempt++ {
			Expect(d.Handle(ctx, env)).To(HaveOccurred())

			delivery, err := database.GetWebhookDelivery(ctx, deliveryID)
			Expect(err).NotTo(HaveOccurred())
			Expect(delivery.Status).To(Equal(string(db.WebhookDeliveryFailed)))
			Expect(delivery.Attempts).To(Equal(attempt))
			Expect(delivery.NextRetryAt.Valid).To(BeTrue())
		}

		Expect(d.Handle(ctx, env)).To(HaveOccurred())

		delivery, err := database.GetWebhookDelivery(ctx, deliveryID)
		Expect(err).NotTo(HaveOccurred())
		Expect(delivery.Status).To(Equal(string(db.WebhookDeliveryDLQ)))
		Expect(delivery.Attempts).To(Equal(5))
		Expect(delivery.LastError.String).To(ContainSubstring("503"))

		Expect(hits.Load()).To(BeEquivalentTo(5))
	})
})
