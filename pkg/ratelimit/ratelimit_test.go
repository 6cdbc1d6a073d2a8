package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
)

func TestFixedWindow_AdmitsUpToLimitThenBlocks(t *testing.T) {
	fw := NewFixedWindow(NewGuardedKV(kv.NewMockService()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := fw.Allow(ctx, "tenant:1:scan", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}

	d, err := fw.Allow(ctx, "tenant:1:scan", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected 4th request to be denied")
	}
	if d.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0", d.Remaining)
	}
}

func TestFixedWindow_SeparateKeysAreIndependent(t *testing.T) {
	fw := NewFixedWindow(NewGuardedKV(kv.NewMockService()))
	ctx := context.Background()

	if _, err := fw.Allow(ctx, "tenant:1", 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	d, err := fw.Allow(ctx, "tenant:2", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("expected a fresh key to be allowed")
	}
}

func TestSlidingWindow_AdmitsUpToLimitThenBlocks(t *testing.T) {
	sw := NewSlidingWindow(NewGuardedKV(kv.NewMockService()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := sw.Allow(ctx, "tenant:1:site", 2, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}

	d, err := sw.Allow(ctx, "tenant:1:site", 2, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected 3rd request to be denied")
	}
}

func TestSlidingWindow_ExpiredEntriesAreDropped(t *testing.T) {
	sw := NewSlidingWindow(NewGuardedKV(kv.NewMockService()))
	ctx := context.Background()

	d, err := sw.Allow(ctx, "tenant:1", 1, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("expected first request allowed")
	}

	time.Sleep(5 * time.Millisecond)

	d, err = sw.Allow(ctx, "tenant:1", 1, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("expected request after window expiry to be allowed")
	}
}
