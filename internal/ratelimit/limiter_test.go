package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, 1, time.Minute)

	allowed, err := limiter.Allow(ctx, "client-a")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = limiter.Allow(ctx, "client-a")
	if !allowed {
		t.Fatal("expected second token allowed")
	}
	allowed, _ = limiter.Allow(ctx, "client-a")
	if allowed {
		t.Fatal("expected third token to be rejected")
	}

	// Buckets are per key; a different client is unaffected.
	allowed, _ = limiter.Allow(ctx, "client-b")
	if !allowed {
		t.Fatal("expected fresh bucket for a different client")
	}
}
