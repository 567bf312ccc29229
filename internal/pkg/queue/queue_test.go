package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskquadrant/internal/pkg/logger"
)

func TestQueue_ProcessesJobs(t *testing.T) {
	q := NewQueue(logger.Discard(), 3, 10, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		if !q.Submit("count", func(ctx context.Context) error {
			completed.Add(1)
			return nil
		}) {
			t.Fatalf("submit %d rejected", i)
		}
	}

	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if completed.Load() != 5 {
		t.Fatalf("expected 5 completed jobs, got %d", completed.Load())
	}
	stats := q.Stats()
	if stats.Enqueued != 5 || stats.Succeeded != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestQueue_ErrorHandlerReceivesJobName(t *testing.T) {
	q := NewQueue(logger.Discard(), 1, 5, 0)

	var gotName atomic.Value
	q.SetErrorHandler(func(name string, err error) {
		gotName.Store(name)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit("send_reset_email", func(ctx context.Context) error {
		return errors.New("smtp down")
	})
	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if name, _ := gotName.Load().(string); name != "send_reset_email" {
		t.Fatalf("expected error handler for send_reset_email, got %q", name)
	}
	if q.Stats().Failed != 1 {
		t.Fatalf("expected 1 failed job, got %+v", q.Stats())
	}
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := NewQueue(logger.Discard(), 1, 5, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var after atomic.Bool
	q.Submit("boom", func(ctx context.Context) error { panic("boom") })
	q.Submit("after", func(ctx context.Context) error {
		after.Store(true)
		return nil
	})
	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if q.Stats().Panics != 1 {
		t.Fatalf("expected 1 panic, got %+v", q.Stats())
	}
	if !after.Load() {
		t.Fatalf("worker should keep running after a panic")
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	// 不启动 worker，队列容量为 1
	q := NewQueue(logger.Discard(), 1, 1, 0)

	if !q.Submit("first", func(ctx context.Context) error { return nil }) {
		t.Fatalf("first submit should succeed")
	}
	if q.Submit("second", func(ctx context.Context) error { return nil }) {
		t.Fatalf("second submit should be dropped")
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %+v", q.Stats())
	}
}

func TestQueue_RejectsAfterShutdown(t *testing.T) {
	q := NewQueue(logger.Discard(), 1, 1, 0)
	q.Start(context.Background())
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if q.Submit("late", func(ctx context.Context) error { return nil }) {
		t.Fatalf("submit after shutdown should fail")
	}
	if err := q.SubmitWait(context.Background(), "late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Shutdown(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("second shutdown should report ErrClosed, got %v", err)
	}
}

func TestQueue_JobTimeoutCancelsContext(t *testing.T) {
	q := NewQueue(logger.Discard(), 1, 1, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var deadlineHit atomic.Bool
	q.Submit("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			deadlineHit.Store(true)
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	if err := q.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !deadlineHit.Load() {
		t.Fatalf("expected job context to hit its deadline")
	}
}

func TestInline_RunsSynchronously(t *testing.T) {
	var ran bool
	Inline{}.Submit("now", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatalf("inline job did not run")
	}
}
