// Package ratelimit suppresses repeat flash sale notifications to the same
// claimant for the same category and locality within a cooldown window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"flash-sale-api/internal/cache"
)

// NotificationLimiter gates notification fan-out on expiring cooldown
// markers. The store tolerates eventual consistency: a duplicate
// notification under a race is a degraded outcome, not a correctness
// violation, so the check-and-mark is a single SetNX rather than a
// transaction.
type NotificationLimiter struct {
	store    cache.Cache
	cooldown time.Duration
}

// NewNotificationLimiter creates a limiter over the given store.
func NewNotificationLimiter(store cache.Cache, cooldown time.Duration) *NotificationLimiter {
	return &NotificationLimiter{
		store:    store,
		cooldown: cooldown,
	}
}

// Allow reports whether the claimant may be notified about the given
// category/locality now. A successful call marks the cooldown, so the next
// call within the window returns false.
func (l *NotificationLimiter) Allow(ctx context.Context, claimantID, category string, locality int64) (bool, error) {
	key := cooldownKey(claimantID, category, locality)

	ok, err := l.store.SetNX(ctx, key, []byte("1"), l.cooldown)
	if err != nil {
		return false, fmt.Errorf("failed to set cooldown marker: %w", err)
	}
	return ok, nil
}

// Reset clears the cooldown for a claimant, primarily for tests and admin
// tooling.
func (l *NotificationLimiter) Reset(ctx context.Context, claimantID, category string, locality int64) error {
	return l.store.Delete(ctx, cooldownKey(claimantID, category, locality))
}

func cooldownKey(claimantID, category string, locality int64) string {
	return fmt.Sprintf("notif:%s:%s:%d", claimantID, category, locality)
}
