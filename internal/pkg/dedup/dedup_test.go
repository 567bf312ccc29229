package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduplicator(t *testing.T, ttl time.Duration) (*Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return NewDeduplicator(rdb, ttl), s
}

func TestDeduplicator_IsDuplicate(t *testing.T) {
	d, _ := newTestDeduplicator(t, time.Minute)
	ctx := context.Background()

	dup, err := d.IsDuplicate(ctx, "task.assigned", "7", "42")
	if err != nil {
		t.Fatalf("first dedup: %v", err)
	}
	if dup {
		t.Fatalf("expected first to be non-duplicate")
	}

	dup, err = d.IsDuplicate(ctx, "task.assigned", "7", "42")
	if err != nil {
		t.Fatalf("second dedup: %v", err)
	}
	if !dup {
		t.Fatalf("expected second to be duplicate")
	}

	if dup, _ := d.IsDuplicate(ctx, "task.assigned", "7", "43"); dup {
		t.Fatalf("different task must not collide")
	}
}

func TestDeduplicator_ExpiresAndDelete(t *testing.T) {
	d, s := newTestDeduplicator(t, time.Minute)
	ctx := context.Background()

	_, _ = d.IsDuplicate(ctx, "k")
	s.FastForward(61 * time.Second)
	if dup, _ := d.IsDuplicate(ctx, "k"); dup {
		t.Fatalf("expected key to expire after ttl")
	}

	if err := d.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if dup, _ := d.IsDuplicate(ctx, "k"); dup {
		t.Fatalf("expected key to be cleared by delete")
	}
}

func TestKey_SeparatesParts(t *testing.T) {
	if Key("ab", "c") == Key("a", "bc") {
		t.Fatalf("keys for different part boundaries must differ")
	}
}

func TestDeduplicator_NilClientNeverDuplicates(t *testing.T) {
	d := NewDeduplicator(nil, 0)
	if dup, err := d.IsDuplicate(context.Background(), "x"); dup || err != nil {
		t.Fatalf("expected pass-through, got %v %v", dup, err)
	}
}
