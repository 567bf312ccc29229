package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskquadrant/internal/cleanup"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/logger"
	"taskquadrant/internal/testutil"
)

type fakeCleaner struct {
	calls   atomic.Int32
	result  cleanup.Result
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeCleaner) CleanupCompletedTasks(ctx context.Context) (cleanup.Result, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return cleanup.Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func TestRunOnce_ReturnsResult(t *testing.T) {
	f := &fakeCleaner{result: cleanup.Result{DeletedCount: 3, UsersAffected: 2}}
	j := New(f, logger.Discard(), time.Second)

	res, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.DeletedCount != 3 || res.UsersAffected != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunOnce_PropagatesError(t *testing.T) {
	f := &fakeCleaner{err: errors.New("db down")}
	j := New(f, logger.Discard(), 0)
	if _, err := j.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunOnce_SkipsOverlappingRun(t *testing.T) {
	f := &fakeCleaner{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	j := New(f, logger.Discard(), 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := j.RunOnce(context.Background())
		done <- err
	}()
	<-f.entered

	if _, err := j.RunOnce(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	close(f.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestRunOnce_Timeout(t *testing.T) {
	f := &fakeCleaner{block: make(chan struct{})}
	j := New(f, logger.Discard(), 20*time.Millisecond)
	if _, err := j.RunOnce(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSchedule_RejectsInvalidSpec(t *testing.T) {
	j := New(&fakeCleaner{}, logger.Discard(), 0)
	if err := j.Schedule("every tuesday"); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	if err := j.Schedule(""); err != nil {
		t.Fatalf("empty schedule should use default: %v", err)
	}
	if j.Next().IsZero() {
		t.Fatalf("expected next run time")
	}
}

func TestSchedule_RunsCleanup(t *testing.T) {
	f := &fakeCleaner{}
	j := New(f, logger.Discard(), time.Second)
	if err := j.Schedule("@every 1s"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	defer j.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for f.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled cleanup did not run")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRunOnce_WithCleanupService(t *testing.T) {
	db := testutil.OpenTestDB(t)
	u := model.User{Email: "u@example.com", Password: "x", TaskRetentionDays: 7}
	db.Create(&u)
	old := time.Now().UTC().AddDate(0, 0, -8)
	db.Create(&model.Task{UserID: u.ID, Title: "old", Priority: model.PrioritySchedule, Completed: true, CompletedAt: &old})

	j := New(cleanup.NewService(db, 30, logger.Discard()), logger.Discard(), time.Minute)
	res, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.DeletedCount != 1 {
		t.Fatalf("expected 1 deleted task, got %+v", res)
	}
}
