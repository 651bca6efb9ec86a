// Package webhook implements the Webhook Dispatcher (§4.8): the
// webhook_dispatch queue consumer that signs and POSTs one Event to one
// tenant-configured endpoint, with per-endpoint rate limiting and
// attempt/backoff/DLQ bookkeeping on the WebhookDelivery row.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaywire/sessionengine/internal/db"
	"github.com/relaywire/sessionengine/internal/queue"
)

// requestTimeout is the per-delivery HTTP timeout (§4.8 step 4).
const requestTimeout = 15 * time.Second

// maxAttempts is the exhaustion threshold for the DLQ transition (§4.8 step 6).
const maxAttempts = 5

// errorExcerptLen caps how much of a failing response body is recorded.
const errorExcerptLen = 200

// payload is the exact body shape POSTed to an endpoint (§4.8 step 2).
type payload struct {
	EventID    string          `json:"eventId"`
	TenantID   string          `json:"tenantId"`
	DeviceID   string          `json:"deviceId"`
	Type       string          `json:"type"`
	Normalized json.RawMessage `json:"normalized"`
	Raw        json.RawMessage `json:"raw"`
	CreatedAt  string          `json:"createdAt"`
}

// Dispatcher consumes webhook_dispatch jobs.
type Dispatcher struct {
	db         *db.DB
	httpClient *http.Client
	log        *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	// endpointRate/endpointBurst configure the optional per-endpoint
	// throttle (rekeyed from the teacher's per-IP gateway.RateLimiter to
	// per-endpoint here); zero endpointRate disables throttling.
	endpointRate  rate.Limit
	endpointBurst int
}

type Option func(*Dispatcher)

// WithEndpointRateLimit caps outbound delivery rate per endpoint, grounded
// on the teacher's internal/gateway.RateLimiter (there keyed by client IP,
// here by WebhookEndpoint.ID).
func WithEndpointRateLimit(r rate.Limit, burst int) Option {
	return func(d *Dispatcher) {
		d.endpointRate = r
		d.endpointBurst = burst
	}
}

func NewDispatcher(database *db.DB, log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		db: database,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) limiterFor(endpointID string) *rate.Limiter {
	if d.endpointRate <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	l, ok := d.limiters[endpointID]
	if !ok {
		l = rate.NewLimiter(d.endpointRate, d.endpointBurst)
		d.limiters[endpointID] = l
	}
	return l
}

// Handle implements queue.Handler for the webhook_dispatch queue.
func (d *Dispatcher) Handle(ctx context.Context, env queue.Envelope) error {
	var p queue.WebhookDeliverPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("webhook: decode job payload: %w", err)
	}
	return d.deliver(ctx, p.DeliveryID, env.Attempt)
}

func (d *Dispatcher) deliver(ctx context.Context, deliveryID string, jobAttempt int) error {
	// Step 1.
	join, err := d.db.GetDeliveryJoin(ctx, deliveryID)
	if err != nil {
		d.log.Warn("webhook: delivery not found, dropping job", "deliveryId", deliveryID, "error", err)
		return nil
	}
	if !join.Endpoint.Enabled {
		return nil
	}

	if limiter := d.limiterFor(join.Endpoint.ID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook: rate limiter wait: %w", err)
		}
	}

	// Step 2.
	body, err := json.Marshal(payload{
		EventID:    join.Event.ID,
		TenantID:   join.Event.TenantID,
		DeviceID:   join.Event.DeviceID,
		Type:       join.Event.Type,
		Normalized: json.RawMessage(join.Event.NormalizedJSON),
		Raw:        json.RawMessage(join.Event.RawJSON),
		CreatedAt:  join.Event.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	// Step 3.
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := sign(join.Endpoint.Secret, timestamp, body)

	// Step 4.
	deliverErr := d.post(ctx, join, body, timestamp, signature)
	if deliverErr == nil {
		// Step 5.
		if err := d.db.MarkWebhookDeliverySuccess(ctx, deliveryID, join.Delivery.Attempts+1); err != nil {
			return fmt.Errorf("webhook: record success: %w", err)
		}
		return nil
	}

	// Step 6.
	return d.handleFailure(ctx, join, deliveryID, deliverErr)
}

func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) post(ctx context.Context, join *db.DeliveryJoin, body []byte, timestamp, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, join.Endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-event-id", join.Event.ID)
	req.Header.Set("x-tenant-id", join.Event.TenantID)
	req.Header.Set("x-device-id", join.Event.DeviceID)
	req.Header.Set("x-event-type", join.Event.Type)
	req.Header.Set("x-timestamp", timestamp)
	req.Header.Set("x-signature", signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorExcerptLen))
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, excerpt)
}

func (d *Dispatcher) handleFailure(ctx context.Context, join *db.DeliveryJoin, deliveryID string, cause error) error {
	nextAttempt := join.Delivery.Attempts + 1
	if nextAttempt < maxAttempts {
		nextRetryAt := time.Now().Add(time.Duration(1<<uint(nextAttempt)) * time.Second)
		if err := d.db.MarkWebhookDeliveryRetry(ctx, deliveryID, nextAttempt, cause.Error(), nextRetryAt); err != nil {
			d.log.Error("webhook: record retry failed", "deliveryId", deliveryID, "error", err)
		}
		d.log.Warn("webhook: delivery failed, scheduled retry", "deliveryId", deliveryID, "attempt", nextAttempt, "nextRetryAt", nextRetryAt, "cause", cause)
		return cause
	}

	if err := d.db.MarkWebhookDeliveryDLQ(ctx, deliveryID, nextAttempt, cause.Error()); err != nil {
		d.log.Error("webhook: record DLQ failed", "deliveryId", deliveryID, "error", err)
	}
	d.log.Error("webhook: delivery exhausted retries, moved to DLQ", "deliveryId", deliveryID, "attempt", nextAttempt, "cause", cause)
	return cause
}
