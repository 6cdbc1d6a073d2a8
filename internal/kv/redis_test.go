package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisService(t *testing.T) *RedisService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisService(client)
}

func TestRedisService_GetMissReturnsNotOK(t *testing.T) {
	s := newTestRedisService(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected a missing key to report ok=false")
	}
}

func TestRedisService_SetNXSingleFlight(t *testing.T) {
	s := newTestRedisService(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lease:content:1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v, want true, nil", ok, err)
	}

	ok, err = s.SetNX(ctx, "lease:content:1", "worker-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v, want false, nil", ok, err)
	}

	v, ok, err := s.Get(ctx, "lease:content:1")
	if err != nil || !ok || v != "worker-a" {
		t.Fatalf("Get after SetNX = %q, %v, %v, want worker-a, true, nil", v, ok, err)
	}
}

func TestRedisService_IncrAndTTL(t *testing.T) {
	s := newTestRedisService(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := s.Incr(ctx, "rl:tenant-1")
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != i {
			t.Errorf("Incr #%d = %d, want %d", i, n, i)
		}
	}

	if err := s.Expire(ctx, "rl:tenant-1", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	ttl, err := s.TTL(ctx, "rl:tenant-1")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestRedisService_KeysPattern(t *testing.T) {
	s := newTestRedisService(t)
	ctx := context.Background()

	_ = s.SetEX(ctx, "content:site-1:20260101", "a", time.Hour)
	_ = s.SetEX(ctx, "content:site-2:20260101", "b", time.Hour)
	_ = s.SetEX(ctx, "viol:abc:def", "c", time.Hour)

	keys, err := s.Keys(ctx, "content:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys(content:*) returned %d keys, want 2: %v", len(keys), keys)
	}
}

func TestRedisService_DelRemovesKey(t *testing.T) {
	s := newTestRedisService(t)
	ctx := context.Background()

	_ = s.SetEX(ctx, "k", "v", time.Hour)
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	_, ok, _ := s.Get(ctx, "k")
	if ok {
		t.Error("expected key to be gone after Del")
	}
}

func TestRedisService_Ping(t *testing.T) {
	s := newTestRedisService(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
