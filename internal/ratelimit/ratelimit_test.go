package ratelimit

import (
	"context"
	"testing"
	"time"

	"flash-sale-api/internal/cache"
)

func TestAllow_FirstNotificationPasses(t *testing.T) {
	limiter := NewNotificationLimiter(cache.NewInMemoryCache(), time.Minute)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "user1", "electronics", 560001)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected first notification to be allowed")
	}
}

func TestAllow_SecondNotificationSuppressed(t *testing.T) {
	limiter := NewNotificationLimiter(cache.NewInMemoryCache(), time.Minute)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "user1", "electronics", 560001); err != nil {
		t.Fatalf("Allow failed: %v", err)
	}

	ok, err := limiter.Allow(ctx, "user1", "electronics", 560001)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Fatal("Expected repeat notification within cooldown to be suppressed")
	}
}

func TestAllow_DifferentKeysIndependent(t *testing.T) {
	limiter := NewNotificationLimiter(cache.NewInMemoryCache(), time.Minute)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "user1", "electronics", 560001); err != nil {
		t.Fatalf("Allow failed: %v", err)
	}

	cases := []struct {
		claimant string
		category string
		locality int64
	}{
		{"user2", "electronics", 560001}, // different claimant
		{"user1", "books", 560001},      // different category
		{"user1", "electronics", 110001}, // different locality
	}

	for _, tc := range cases {
		ok, err := limiter.Allow(ctx, tc.claimant, tc.category, tc.locality)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !ok {
			t.Errorf("Expected %s/%s/%d to be allowed", tc.claimant, tc.category, tc.locality)
		}
	}
}

func TestAllow_CooldownExpires(t *testing.T) {
	limiter := NewNotificationLimiter(cache.NewInMemoryCache(), 10*time.Millisecond)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "user1", "electronics", 560001); err != nil {
		t.Fatalf("Allow failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	ok, err := limiter.Allow(ctx, "user1", "electronics", 560001)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected notification to be allowed after cooldown expired")
	}
}
