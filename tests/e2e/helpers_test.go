package e2e

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/relaywire/sessionengine/internal/chattransport/chattransporttest"
	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/db/dbtest"
)

// topT backs the in-memory SQLite databases each spec creates; Ginkgo's
// GinkgoT() satisfies testing.TB but dbtest.NewTestDB wants the concrete
// *testing.T that owns TestE2E, so TestE2E stashes it here before RunSpecs.
var topT *testing.T

func newTestDB() *db.DB {
	return dbtest.NewTestDB(topT)
}

func seedTenant(database *db.DB, name string) *db.Tenant {
	tenant := &db.Tenant{Name: name}
	Expect(database.CreateTenant(context.Background(), tenant)).To(Succeed())
	return tenant
}

func seedDevice(database *db.DB, tenantID, label string) *db.Device {
	device := &db.Device{TenantID: tenantID, Label: label}
	Expect(database.CreateDevice(context.Background(), device)).To(Succeed())
	return device
}

func seedWebhookEndpoint(database *db.DB, tenantID, url string, enabled bool) *db.WebhookEndpoint {
	ep := &db.WebhookEndpoint{TenantID: tenantID, URL: url, Secret: "s3cr3t", Enabled: enabled}
	Expect(database.CreateWebhookEndpoint(context.Background(), ep)).To(Succeed())
	return ep
}

// connectedDevice wires a device up through a FakeDialer and pushes an open
// connection update, mirroring what a real chat-protocol handshake would do.
func connectedDevice(dialer *chattransporttest.FakeDialer, deviceID, ownAddress string) *chattransporttest.FakeSocket {
	_, err := dialer.Connect(context.Background(), deviceID, nil, nil)
	Expect(err).NotTo(HaveOccurred())
	socket := dialer.Socket(deviceID)
	socket.PushOpen(ownAddress)
	return socket
}
