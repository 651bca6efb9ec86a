package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/relaywire/sessionengine/internal/queue"
)

func newTestBroker(t *testing.T) *queue.Broker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewBroker(rdb, nil)
}

func TestEnqueueRun_DeliversJobToHandler(t *testing.T) {
	b := newTestBroker(t)
	env, err := queue.NewSendJob("om-1")
	if err != nil {
		t.Fatalf("NewSendJob() error = %v", err)
	}
	if err := b.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	received := make(chan queue.Envelope, 1)
	go b.Run(ctx, queue.OutboundMessages, func(ctx context.Context, e queue.Envelope) error {
		received <- e
		return nil
	})

	select {
	case got := <-received:
		if got.JobName != queue.JobSend {
			t.Errorf("JobName = %q, want %q", got.JobName, queue.JobSend)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked in time")
	}
}

func TestProcess_FailureSchedulesDelayedRetry(t *testing.T) {
	b := newTestBroker(t)
	env, err := queue.NewDeliverJob("wd-1")
	if err != nil {
		t.Fatalf("NewDeliverJob() error = %v", err)
	}
	if err := b.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	attempts := make(chan int, 2)
	go b.Run(ctx, queue.WebhookDispatch, func(ctx context.Context, e queue.Envelope) error {
		attempts <- e.Attempt
		return errFailed
	})

	select {
	case got := <-attempts:
		if got != 0 {
			t.Errorf("first attempt = %d, want 0", got)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("handler was not invoked")
	}

	// The failed job should now sit in the due set rather than the ready
	// list, awaiting its backoff window (2^1s for webhook_dispatch).
	if err := b.PromoteDue(context.Background(), queue.WebhookDispatch); err != nil {
		t.Fatalf("PromoteDue() error = %v", err)
	}

	select {
	case got := <-attempts:
		if got != 1 {
			t.Errorf("retry attempt = %d, want 1", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failed job was not retried after its backoff window")
	}
}

var errFailed = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
