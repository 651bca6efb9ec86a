package e2e

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/sessionengine/internal/authstate"
	"github.com/relaywire/sessionengine/internal/chattransport/chattransporttest"
	"github.com/relaywire/sessionengine/internal/inbound"
	"github.com/relaywire/sessionengine/internal/queue"
	"github.com/relaywire/sessionengine/internal/reconnect"
	"github.com/relaywire/sessionengine/internal/sessions"
)

var _ = Describe("reconnect sweep staggering", func() {
	It("connects every device with a persisted session, spaced by the stagger", func() {
		database := newTestDB()
		tenant := seedTenant(database, "acme")

		var deviceIDs []string
		for _, label := range []string{"phone-1", "phone-2", "phone-3"} {
			device := seedDevice(database, tenant.ID, label)
			Expect(database.UpsertWaSession(context.Background(), device.ID, "ciphertext")).To(Succeed())
			deviceIDs = append(deviceIDs, device.ID)
		}

		// A device with no WaSession row must be left alone by the sweep.
		unpaired := seedDevice(database, tenant.ID, "unpaired")

		dialer := chattransporttest.NewFakeDialer()
		authStore := authstate.NewStore(database, testVault(), 0, nil)
		producer := &inlineProducer{handlers: map[queue.Name]queue.Handler{}}
		lookup := &handleLookup{}
		pipeline := inbound.NewPipeline(database, lookup, producer, "", nil)
		manager := sessions.NewManager(database, authStore, dialer, pipeline, nil)
		lookup.manager = manager

		const stagger = 150 * time.Millisecond
		sweeper := reconnect.NewSweeper(database, manager, nil,
			reconnect.WithStartupDelay(10*time.Millisecond),
			reconnect.WithStagger(stagger))

		start := time.Now()
		done := make(chan struct{})
		go func() {
			sweeper.Run(context.Background())
			close(done)
		}()

		Eventually(done, 3*time.Second).Should(BeClosed())
		elapsed := time.Since(start)

		Expect(elapsed).To(BeNumerically(">=", 2*stagger))

		for _, id := range deviceIDs {
			_, ok := manager.Get(id)
			Expect(ok).To(BeTrue(), "device %s was not connected by the sweep", id)
		}
		_, ok := manager.Get(unpaired.ID)
		Expect(ok).To(BeFalse(), "unpaired device should not have been swept")
	})
})
