package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Concurrency bounds per queue (§4.6): device_commands runs strictly
// serially (pairing/connect churn must not race against itself for the
// same device), outbound_messages allows a handful of simultaneous sends,
// webhook_dispatch fans out the widest since deliveries are independent
// per endpoint.
var Concurrency = map[Name]int{
	DeviceCommands:   1,
	OutboundMessages: 5,
	WebhookDispatch:  10,
}

const (
	keyPrefix = "sessionengine:queue:"
	pollWait  = 2 * time.Second
	dueBatch  = 50

	// inflightTTL bounds how long a claimed job may sit unacknowledged
	// before the reaper treats its worker as dead and puts it back on the
	// ready list (§4.6 at-least-once delivery, I6).
	inflightTTL = 5 * time.Minute
	reapBatch   = 50
)

func listKey(n Name) string     { return keyPrefix + string(n) + ":ready" }
func dueSetKey(n Name) string   { return keyPrefix + string(n) + ":due" }
func dlqKey(n Name) string      { return keyPrefix + string(n) + ":dlq" }
func inflightKey(n Name) string { return keyPrefix + string(n) + ":inflight" }
func claimsKey(n Name) string   { return keyPrefix + string(n) + ":claims" }

// Broker is a Redis-backed Producer/Consumer for the engine's three durable
// queues. Ready jobs live in a list (LPUSH/BRPOPLPUSH, FIFO); a popped job
// is atomically moved onto a per-queue in-flight list rather than deleted,
// so a worker that crashes mid-job doesn't lose it -- a background reaper
// notices the orphaned claim once it's older than inflightTTL and pushes it
// back onto the ready list (§4.6's at-least-once delivery, I6). Delayed
// retries live in a per-queue sorted set scored by their due timestamp and
// are promoted into the ready list by a poller goroutine, and exhausted
// jobs land in a per-queue dead-letter list. This shape is grounded on the
// pack's queue.Envelope/Producer/Consumer/DeadLetter contract (see
// DESIGN.md), narrowed here to Redis primitives instead of a generic
// backend and to this engine's three concrete payload types.
type Broker struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewBroker(rdb *redis.Client, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{rdb: rdb, log: log}
}

// Enqueue pushes env onto its queue's ready list for immediate pickup.
func (b *Broker) Enqueue(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return b.rdb.LPush(ctx, listKey(env.Queue), body).Err()
}

// EnqueueDelayed schedules env to become ready at availableAt, used by
// process to schedule the retry backoff of a failed job on any queue.
func (b *Broker) EnqueueDelayed(ctx context.Context, env Envelope, availableAt time.Time) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return b.rdb.ZAdd(ctx, dueSetKey(env.Queue), redis.Z{
		Score:  float64(availableAt.UnixMilli()),
		Member: body,
	}).Err()
}

// PromoteDue moves every member of a queue's delayed set whose due time has
// passed into its ready list. Intended to be called on a short ticker, once
// per queue, from Run.
func (b *Broker) PromoteDue(ctx context.Context, queue Name) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, dueSetKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: dueBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan due set: %w", err)
	}
	for _, m := range members {
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, dueSetKey(queue), m)
		pipe.LPush(ctx, listKey(queue), m)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote due job: %w", err)
		}
	}
	return nil
}

// dequeue blocks (up to pollWait) for one ready envelope, atomically moving
// its raw body onto the queue's in-flight list and recording a claim
// timestamp so the reaper can recover it if this process dies before
// ack'ing it. The caller must ack the returned body once it's done with it,
// whether the job succeeded, was retried, or was dead-lettered.
func (b *Broker) dequeue(ctx context.Context, queue Name) (Envelope, string, error) {
	body, err := b.rdb.BRPopLPush(ctx, listKey(queue), inflightKey(queue), pollWait).Result()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, "", ErrEmpty
	}
	if err != nil {
		return Envelope{}, "", fmt.Errorf("queue: dequeue: %w", err)
	}

	if err := b.rdb.ZAdd(ctx, claimsKey(queue), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: body,
	}).Err(); err != nil {
		b.log.Error("queue: failed to record in-flight claim", "queue", queue, "error", err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, "", fmt.Errorf("queue: decode envelope: %w", err)
	}
	return env, body, nil
}

// ack removes body from queue's in-flight list and claims set, called once
// a dequeued job has been handled (successfully, retried, or
// dead-lettered) and no longer needs reaper protection.
func (b *Broker) ack(ctx context.Context, queue Name, body string) {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, inflightKey(queue), 1, body)
	pipe.ZRem(ctx, claimsKey(queue), body)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Error("queue: failed to ack in-flight job", "queue", queue, "error", err)
	}
}

// reapOrphaned requeues in-flight claims older than inflightTTL, recovering
// jobs whose worker died (or lost its Redis connection) before ack'ing
// them. Intended to run alongside PromoteDue on the same ticker.
func (b *Broker) reapOrphaned(ctx context.Context, queue Name) error {
	cutoff := strconv.FormatInt(time.Now().Add(-inflightTTL).UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, claimsKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   cutoff,
		Count: reapBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan in-flight claims: %w", err)
	}
	for _, body := range members {
		pipe := b.rdb.TxPipeline()
		pipe.LRem(ctx, inflightKey(queue), 1, body)
		pipe.LPush(ctx, listKey(queue), body)
		pipe.ZRem(ctx, claimsKey(queue), body)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: requeue orphaned job: %w", err)
		}
		b.log.Warn("queue: reaped orphaned in-flight job, requeued", "queue", queue)
	}
	return nil
}

// deadLetter moves env to its queue's DLQ list verbatim, for operator
// inspection.
func (b *Broker) deadLetter(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return b.rdb.LPush(ctx, dlqKey(env.Queue), body).Err()
}

// retryDelay returns the backoff before retrying env, doubling per attempt
// per §4.8's webhook retry schedule; other queues reuse the same curve.
func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Run drives one queue: dequeues jobs with up to Concurrency[queue] workers
// running concurrently, and promotes due delayed jobs on a background
// ticker. It blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context, queue Name, handle Handler) error {
	workers := Concurrency[queue]
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	go b.promoteLoop(ctx, queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, body, err := b.dequeue(ctx, queue)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error("queue: dequeue failed, retrying after poll wait", "queue", queue, "error", err)
			continue
		}

		sem <- struct{}{}
		go func(env Envelope, body string) {
			defer func() { <-sem }()
			b.process(ctx, queue, env, handle)
			b.ack(ctx, queue, body)
		}(env, body)
	}
}

func (b *Broker) promoteLoop(ctx context.Context, queue Name) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.PromoteDue(ctx, queue); err != nil {
				b.log.Error("queue: promote due jobs failed", "queue", queue, "error", err)
			}
			if err := b.reapOrphaned(ctx, queue); err != nil {
				b.log.Error("queue: reap orphaned in-flight jobs failed", "queue", queue, "error", err)
			}
		}
	}
}

func (b *Broker) process(ctx context.Context, queue Name, env Envelope, handle Handler) {
	err := handle(ctx, env)
	if err == nil {
		return
	}

	max := MaxAttempts[queue]
	env.Attempt++
	if max == 0 || env.Attempt >= max {
		if dlqErr := b.deadLetter(ctx, env); dlqErr != nil {
			b.log.Error("queue: dead-letter failed", "queue", queue, "job", env.JobName, "error", dlqErr)
		}
		b.log.Error("queue: job exhausted retries, dead-lettered", "queue", queue, "job", env.JobName, "attempt", env.Attempt, "cause", err)
		return
	}

	nextAt := time.Now().Add(retryDelay(env.Attempt))
	if retryErr := b.EnqueueDelayed(ctx, env, nextAt); retryErr != nil {
		b.log.Error("queue: schedule retry failed", "queue", queue, "job", env.JobName, "error", retryErr)
		return
	}
	b.log.Warn("queue: job failed, scheduled retry", "queue", queue, "job", env.JobName, "attempt", env.Attempt, "retryAt", nextAt, "cause", err)
}
