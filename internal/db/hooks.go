package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// newID generates an opaque entity identifier (spec §3: "identifiers are
// opaque strings").
func newID() string { return uuid.NewString() }

var (
	_ bun.BeforeAppendModelHook = (*Tenant)(nil)
	_ bun.BeforeAppendModelHook = (*Device)(nil)
	_ bun.BeforeAppendModelHook = (*WebhookEndpoint)(nil)
	_ bun.BeforeAppendModelHook = (*Event)(nil)
	_ bun.BeforeAppendModelHook = (*WebhookDelivery)(nil)
	_ bun.BeforeAppendModelHook = (*OutboundMessage)(nil)
	_ bun.BeforeAppendModelHook = (*PublicQrLink)(nil)
)

func (t *Tenant) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if t.ID == "" {
			t.ID = newID()
		}
		if t.Status == "" {
			t.Status = string(TenantStatusActive)
		}
		now := time.Now().UTC()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
	}
	return nil
}

func (d *Device) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if d.ID == "" {
			d.ID = newID()
		}
		if d.Status == "" {
			d.Status = string(DeviceStatusOffline)
		}
		now := time.Now().UTC()
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
	}
	return nil
}

func (e *WebhookEndpoint) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if e.ID == "" {
			e.ID = newID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (e *Event) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if e.ID == "" {
			e.ID = newID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (d *WebhookDelivery) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if d.ID == "" {
			d.ID = newID()
		}
		if d.Status == "" {
			d.Status = string(WebhookDeliveryPending)
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (m *OutboundMessage) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if m.ID == "" {
			m.ID = newID()
		}
		if m.Type == "" {
			m.Type = "text"
		}
		if m.Status == "" {
			m.Status = string(OutboundStatusQueued)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (l *PublicQrLink) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if l.ID == "" {
			l.ID = newID()
		}
	}
	return nil
}
