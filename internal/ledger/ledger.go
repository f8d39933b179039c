// Package ledger defines the shared source of truth for offer status. All
// claim arbitration and expiry decisions go through a Ledger; its MarkSold
// and MarkExpired operations are atomic check-and-sets, so exactly one
// writer wins the active -> terminal transition for any offer.
package ledger

import (
	"context"
	"errors"
	"time"

	"flash-sale-api/internal/models"
)

// ErrOfferNotFound is returned when an offer id does not exist in the ledger.
var ErrOfferNotFound = errors.New("ledger: offer not found")

// Ledger is the mutable store of offers and claim attempts. Mutations are
// serialized per offer identifier; unrelated offers proceed in parallel.
type Ledger interface {
	// CreateOffer inserts the offer if none exists for its source order,
	// and registers its eligible claimants. Safe to re-run: the insert is
	// keyed on the order id and claimant registration is insert-if-absent.
	// Returns the canonical offer and whether this call created it.
	CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, bool, error)

	GetOffer(ctx context.Context, offerID string) (models.Offer, error)
	GetOfferByOrder(ctx context.Context, orderID string) (models.Offer, error)
	ListActiveForClaimant(ctx context.Context, claimantID string, now time.Time) ([]models.Offer, error)

	// RecordAttempt stores a claim attempt; an identical triple is a no-op.
	RecordAttempt(ctx context.Context, attempt models.ClaimAttempt) error
	AttemptsFor(ctx context.Context, offerID string) ([]models.ClaimAttempt, error)
	SetAttemptStatus(ctx context.Context, offerID, claimantID string, timestamp int64, status models.AttemptStatus) error

	// MarkSold transitions active -> sold iff the offer is still active.
	MarkSold(ctx context.Context, offerID, winnerID string, winningTimestamp int64, soldAt time.Time) (bool, error)
	// MarkExpired transitions active -> expired iff the offer is still active.
	MarkExpired(ctx context.Context, offerID string, expiredAt time.Time) (bool, error)

	DueForExpiry(ctx context.Context, now time.Time) ([]string, error)
	RejectProcessingAttempts(ctx context.Context, offerID string) error
	// PurgeBefore removes terminal offers whose expiry passed before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}
