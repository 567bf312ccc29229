package streamqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskquadrant/internal/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStream(t *testing.T) (*Stream, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStream(rdb, logger.Discard(), "test:stream"), rdb
}

func newTestConsumer(t *testing.T, s *Stream, id string, opts ...ConsumerOption) *Consumer {
	t.Helper()
	opts = append([]ConsumerOption{WithBlockTime(10 * time.Millisecond)}, opts...)
	c, err := NewConsumer(context.Background(), s, "workers", id, opts...)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return c
}

func readOne(t *testing.T, c *Consumer) *Delivery {
	t.Helper()
	batch, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 message, got %d", len(batch))
	}
	return batch[0]
}

func TestPublishReadAck(t *testing.T) {
	s, _ := newTestStream(t)
	c := newTestConsumer(t, s, "c1")

	msg, err := NewMessage("d-1", "demo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := s.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := readOne(t, c)
	if d.Message.ID != "d-1" || d.Message.Kind != "demo" || string(d.Message.Payload) != `{"hello":"world"}` {
		t.Fatalf("unexpected message %+v", d.Message)
	}
	got := c.Process(context.Background(), d, func(context.Context, *Message) error { return nil })
	if got != OutcomeAcked {
		t.Fatalf("outcome = %s", got)
	}
	if n, _ := c.Pending(context.Background()); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestProcess_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	s, rdb := newTestStream(t)
	c := newTestConsumer(t, s, "c1", WithMaxRetry(2), WithBackoff(time.Minute, 10*time.Minute))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	var calls atomic.Int32
	failing := func(context.Context, *Message) error {
		calls.Add(1)
		return errors.New("receiver down")
	}

	msg, _ := NewMessage("d-1", "demo", "x")
	_ = s.Publish(context.Background(), msg)

	if got := c.Process(context.Background(), readOne(t, c), failing); got != OutcomeRetry {
		t.Fatalf("first attempt outcome = %s", got)
	}

	d := readOne(t, c)
	if d.Message.Retry != 1 || !d.Message.NotBefore.Equal(now.Add(time.Minute)) || d.Message.ID != "d-1" {
		t.Fatalf("unexpected retry message %+v", d.Message)
	}
	if got := c.Process(context.Background(), d, failing); got != OutcomeDeferred {
		t.Fatalf("early retry outcome = %s", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler must not run before the retry is due, calls = %d", calls.Load())
	}

	now = now.Add(time.Minute)
	if got := c.Process(context.Background(), readOne(t, c), failing); got != OutcomeRetry {
		t.Fatalf("second attempt outcome = %s", got)
	}
	d = readOne(t, c)
	if d.Message.Retry != 2 || !d.Message.NotBefore.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("backoff should double: %+v", d.Message)
	}

	now = now.Add(2 * time.Minute)
	if got := c.Process(context.Background(), d, failing); got != OutcomeDeadLetter {
		t.Fatalf("final attempt outcome = %s", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if n, _ := rdb.XLen(context.Background(), "test:stream:dlq").Result(); n != 1 {
		t.Fatalf("dead letters = %d", n)
	}
	if n, _ := c.Pending(context.Background()); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestProcess_PermanentFailureSkipsRetry(t *testing.T) {
	s, rdb := newTestStream(t)
	c := newTestConsumer(t, s, "c1")

	msg, _ := NewMessage("d-1", "demo", "x")
	_ = s.Publish(context.Background(), msg)

	got := c.Process(context.Background(), readOne(t, c), func(context.Context, *Message) error {
		return Permanent(errors.New("gone"))
	})
	if got != OutcomeDeadLetter {
		t.Fatalf("outcome = %s", got)
	}
	if n, _ := rdb.XLen(context.Background(), "test:stream:dlq").Result(); n != 1 {
		t.Fatalf("dead letters = %d", n)
	}
}

func TestProcess_CancelledContextLeavesMessagePending(t *testing.T) {
	s, _ := newTestStream(t)
	c := newTestConsumer(t, s, "c1")

	msg, _ := NewMessage("d-1", "demo", "x")
	_ = s.Publish(context.Background(), msg)
	d := readOne(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := c.Process(ctx, d, func(ctx context.Context, _ *Message) error { return ctx.Err() })
	if got != OutcomePending {
		t.Fatalf("outcome = %s", got)
	}
	if n, _ := c.Pending(context.Background()); n != 1 {
		t.Fatalf("pending = %d", n)
	}
}

func TestRead_ReclaimsStaleMessages(t *testing.T) {
	s, _ := newTestStream(t)
	crashed := newTestConsumer(t, s, "crashed")
	rescuer := newTestConsumer(t, s, "rescuer", WithPendingIdle(time.Millisecond))

	msg, _ := NewMessage("d-1", "demo", "x")
	_ = s.Publish(context.Background(), msg)
	readOne(t, crashed) // 读取后未确认

	time.Sleep(20 * time.Millisecond)
	d := readOne(t, rescuer)
	if d.Message.ID != "d-1" {
		t.Fatalf("unexpected reclaimed message %+v", d.Message)
	}
	if got := rescuer.Process(context.Background(), d, func(context.Context, *Message) error { return nil }); got != OutcomeAcked {
		t.Fatalf("outcome = %s", got)
	}
	if n, _ := rescuer.Pending(context.Background()); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestRead_InvalidPayloadIsDeadLettered(t *testing.T) {
	s, rdb := newTestStream(t)
	c := newTestConsumer(t, s, "c1")

	if err := rdb.XAdd(context.Background(), &redis.XAddArgs{Stream: s.Name(), Values: map[string]interface{}{"data": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	batch, err := c.Read(context.Background())
	if err != nil || len(batch) != 0 {
		t.Fatalf("batch = %d err = %v", len(batch), err)
	}
	if n, _ := rdb.XLen(context.Background(), "test:stream:dlq").Result(); n != 1 {
		t.Fatalf("dead letters = %d", n)
	}
	if n, _ := c.Pending(context.Background()); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	s, _ := newTestStream(t)
	c := newTestConsumer(t, s, "c1")

	handled := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, func(_ context.Context, m *Message) error {
			handled <- m.ID
			return nil
		})
		close(done)
	}()

	msg, _ := NewMessage("d-1", "demo", "x")
	_ = s.Publish(context.Background(), msg)

	select {
	case id := <-handled:
		if id != "d-1" {
			t.Fatalf("handled %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not handled")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestDelay(t *testing.T) {
	c := &Consumer{backoff: 30 * time.Second, maxBackoff: 5 * time.Minute}
	for retry, want := range map[int]time.Duration{
		1: 30 * time.Second,
		2: time.Minute,
		3: 2 * time.Minute,
		5: 5 * time.Minute,
		9: 5 * time.Minute,
	} {
		if got := c.delay(retry); got != want {
			t.Fatalf("delay(%d) = %s, want %s", retry, got, want)
		}
	}
}
