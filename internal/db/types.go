package db


// DeviceStatus is the lifecycle state of a Device's chat session (I3).
type DeviceStatus string

const (
	DeviceStatusOffline DeviceStatus = "OFFLINE"
	DeviceStatusQR       DeviceStatus = "QR"
	DeviceStatusOnline   DeviceStatus = "ONLINE"
	DeviceStatusError    DeviceStatus = "ERROR"
)

// TenantStatus is the activation state of a Tenant.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)

// WebhookDeliveryStatus is the lifecycle state of a WebhookDelivery row.
type WebhookDeliveryStatus string

const (
	WebhookDeliveryPending WebhookDeliveryStatus = "PENDING"
	WebhookDeliverySuccess WebhookDeliveryStatus = "SUCCESS"
	WebhookDeliveryFailed  WebhookDeliveryStatus = "FAILED"
	WebhookDeliveryDLQ     WebhookDeliveryStatus = "DLQ"
)

// OutboundMessageStatus is the lifecycle state of an OutboundMessage row (I7).
type OutboundMessageStatus string

const (
	OutboundStatusQueued     OutboundMessageStatus = "QUEUED"
	OutboundStatusProcessing OutboundMessageStatus = "PROCESSING"
	OutboundStatusSent       OutboundMessageStatus = "SENT"
	OutboundStatusFailed     OutboundMessageStatus = "FAILED"
)

// LogLevel mirrors the Log entity's level enum.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogService names the component that emitted a Log row.
type LogService string

const (
	LogServiceAPI    LogService = "api"
	LogServiceWorker LogService = "worker"
)
