package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestUploadQuota(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	quota := NewUploadQuota(client, 2, 0.5, time.Hour)

	allowed, _, err := quota.Allow(ctx, "ChannelA")
	if err != nil || !allowed {
		t.Fatalf("expected first upload allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = quota.Allow(ctx, "ChannelA")
	if !allowed {
		t.Fatalf("expected second upload allowed")
	}
	allowed, _, _ = quota.Allow(ctx, "ChannelA")
	if allowed {
		t.Fatalf("expected third upload to be rejected")
	}

	// Budgets are per account.
	allowed, _, _ = quota.Allow(ctx, "ChannelB")
	if !allowed {
		t.Fatalf("expected a different account to have its own budget")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
