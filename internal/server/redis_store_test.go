package server

import (
	"context"
	"testing"
	"time"

	"shelfscan/internal/testsupport/redisstub"
)

func newStubRedisStore(t *testing.T, password string) *redisStore {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{Password: password})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	store := newRedisStore(stub.Addr(), password, 2*time.Second)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreAllowCountsAttempts(t *testing.T) {
	store := newStubRedisStore(t, "")

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Allow("shelfscan:login:198.51.100.7", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow attempt %d returned error: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected attempt %d to be allowed", i)
		}
	}

	allowed, retryAfter, err := store.Allow("shelfscan:login:198.51.100.7", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if allowed {
		t.Fatalf("expected fourth attempt to be throttled")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %v", retryAfter)
	}
}

func TestRedisStoreKeysAreIndependent(t *testing.T) {
	store := newStubRedisStore(t, "")

	if allowed, _, err := store.Allow("shelfscan:login:a", 1, time.Minute); err != nil || !allowed {
		t.Fatalf("first key should be allowed: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := store.Allow("shelfscan:login:a", 1, time.Minute); err != nil || allowed {
		t.Fatalf("first key should now be throttled: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := store.Allow("shelfscan:login:b", 1, time.Minute); err != nil || !allowed {
		t.Fatalf("second key should be allowed: allowed=%v err=%v", allowed, err)
	}
}

func TestRedisStoreWithPassword(t *testing.T) {
	store := newStubRedisStore(t, "sekret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}

	allowed, _, err := store.Allow("shelfscan:login:198.51.100.7", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected first attempt to be allowed")
	}
}

func TestRedisStorePing(t *testing.T) {
	store := newStubRedisStore(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}
