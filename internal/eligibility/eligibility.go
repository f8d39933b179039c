// Package eligibility finds claimants whose recorded interest matches a
// cancelled order. It is a pure query over the interest store; it writes
// nothing.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"flash-sale-api/internal/models"
)

// InterestStore is the read-only source of eligibility records.
type InterestStore interface {
	MatchingInterests(ctx context.Context, category, productID string, locality, proximity int64, since time.Time) ([]models.Interest, error)
}

// Matcher selects eligible claimants for a cancelled order: interest in the
// order's category or exact product, locality within the proximity
// threshold of the item's origin, and activity within the lookback window.
type Matcher struct {
	store     InterestStore
	proximity int64
	lookback  time.Duration
}

// NewMatcher creates a matcher over the given store.
func NewMatcher(store InterestStore, proximity int64, lookback time.Duration) *Matcher {
	return &Matcher{
		store:     store,
		proximity: proximity,
		lookback:  lookback,
	}
}

// Match returns the eligible claimants for the cancelled order at the given
// time, one record per distinct claimant.
func (m *Matcher) Match(ctx context.Context, event models.CancellationEvent, now time.Time) ([]models.Interest, error) {
	since := now.Add(-m.lookback)

	interests, err := m.store.MatchingInterests(ctx, event.Category, event.ProductID, event.Locality, m.proximity, since)
	if err != nil {
		return nil, fmt.Errorf("failed to match interests: %w", err)
	}

	seen := make(map[string]bool, len(interests))
	claimants := make([]models.Interest, 0, len(interests))
	for _, interest := range interests {
		if seen[interest.ClaimantID] {
			continue
		}
		seen[interest.ClaimantID] = true
		claimants = append(claimants, interest)
	}

	return claimants, nil
}
