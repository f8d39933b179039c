// Package arbitration decides which claim attempt wins a flash sale offer.
// The tie-break rule: the earliest claim timestamp wins; ties go to the
// first writer through the ledger's check-and-set.
package arbitration

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flash-sale-api/internal/events"
	"flash-sale-api/internal/ledger"
	"flash-sale-api/internal/metrics"
	"flash-sale-api/internal/models"
	"flash-sale-api/internal/tracing"
)

// Engine arbitrates claim attempts against the offer ledger. It holds no
// offer state of its own; every decision round-trips the ledger so parallel
// engines over the same ledger stay consistent.
type Engine struct {
	ledger    ledger.Ledger
	events    *events.Manager
	staleness time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine creates an arbitration engine. Processing attempts older than
// staleness are treated as abandoned and ignored when arbitrating.
func NewEngine(l ledger.Ledger, ev *events.Manager, staleness time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		ledger:    l,
		events:    ev,
		staleness: staleness,
		logger:    logger.With().Str("component", "arbitration").Logger(),
		now:       time.Now,
	}
}

// AttemptClaim arbitrates one claim attempt. claimTimestamp is the
// claimant-supplied moment of intent in unix milliseconds; arbitration uses
// it for the tie-break, never the server arrival time.
func (e *Engine) AttemptClaim(ctx context.Context, offerID, claimantID string, claimTimestamp int64) models.ClaimResult {
	start := e.now()

	ctx, span := tracing.GetTracer().StartSpan(ctx, "arbitration.AttemptClaim",
		trace.WithAttributes(
			attribute.String("offer.id", offerID),
			attribute.String("claimant.id", claimantID),
		))
	defer span.End()

	result := e.arbitrate(ctx, offerID, claimantID, claimTimestamp)

	label := "success"
	if !result.Success {
		label = string(result.Reason)
	}
	metrics.RecordClaim(label, e.now().Sub(start).Seconds())

	e.logger.Info().
		Str("offer_id", offerID).
		Str("claimant_id", claimantID).
		Int64("claim_timestamp", claimTimestamp).
		Bool("success", result.Success).
		Str("reason", string(result.Reason)).
		Msg("claim arbitrated")

	return result
}

func (e *Engine) arbitrate(ctx context.Context, offerID, claimantID string, claimTimestamp int64) models.ClaimResult {
	now := e.now()

	offer, err := e.ledger.GetOffer(ctx, offerID)
	if errors.Is(err, ledger.ErrOfferNotFound) {
		return models.ClaimResult{
			Success: false,
			Reason:  models.ReasonNotFound,
			Error:   "flash sale offer not found",
		}
	}
	if err != nil {
		return e.systemError(err, "failed to load offer")
	}

	// The winner invariant requires winner membership in the eligible set,
	// so outsiders are turned away as if the offer did not exist.
	if !offer.EligibleFor(claimantID) {
		return models.ClaimResult{
			Success: false,
			Reason:  models.ReasonNotFound,
			Error:   "flash sale offer not found",
		}
	}

	if terminal, result := e.resolveTerminal(offer, claimantID); terminal {
		return result
	}

	// Past-TTL offers are expired lazily here rather than waiting for the
	// sweep, through the same check-and-set the sweep uses.
	if !now.Before(offer.ExpiresAt) {
		if result := e.expireInline(ctx, offerID, claimantID, now); result != nil {
			return *result
		}
		return models.ClaimResult{
			Success: false,
			Reason:  models.ReasonNotFound,
			Error:   "flash sale offer is no longer available",
		}
	}

	// An earlier-intent attempt from another claimant that is still being
	// processed wins the tie-break; this one loses without touching the
	// offer. Attempts past the staleness timeout are abandoned (their node
	// may have crashed) and must not block the offer forever.
	attempts, err := e.ledger.AttemptsFor(ctx, offerID)
	if err != nil {
		return e.systemError(err, "failed to load claim attempts")
	}
	for _, attempt := range attempts {
		if attempt.ClaimantID == claimantID {
			continue
		}
		if attempt.Status != models.AttemptStatusProcessing {
			continue
		}
		if now.Sub(attempt.RecordedAt) >= e.staleness {
			continue
		}
		if attempt.Timestamp < claimTimestamp {
			return models.ClaimResult{
				Success:          false,
				Reason:           models.ReasonRaceLost,
				Error:            "another claimant purchased this item first",
				WinningClaimant:  attempt.ClaimantID,
				WinningTimestamp: attempt.Timestamp,
			}
		}
	}

	if err := e.ledger.RecordAttempt(ctx, models.ClaimAttempt{
		OfferID:    offerID,
		ClaimantID: claimantID,
		Timestamp:  claimTimestamp,
		Status:     models.AttemptStatusProcessing,
		RecordedAt: now,
	}); err != nil {
		return e.systemError(err, "failed to record claim attempt")
	}

	won, err := e.ledger.MarkSold(ctx, offerID, claimantID, claimTimestamp, now)
	if err != nil {
		// The attempt stays processing and will be abandoned via the
		// staleness timeout; the claimant may safely retry.
		return e.systemError(err, "failed to update offer status")
	}

	if !won {
		// Lost the check-and-set: somebody else reached a terminal state
		// between our read and our write.
		if err := e.ledger.SetAttemptStatus(ctx, offerID, claimantID, claimTimestamp, models.AttemptStatusRejected); err != nil {
			e.logger.Warn().Err(err).Str("offer_id", offerID).Msg("failed to reject losing attempt")
		}

		current, err := e.ledger.GetOffer(ctx, offerID)
		if err != nil {
			return e.systemError(err, "failed to reload offer")
		}
		if terminal, result := e.resolveTerminal(current, claimantID); terminal {
			return result
		}
		return models.ClaimResult{
			Success: false,
			Reason:  models.ReasonNotFound,
			Error:   "flash sale offer is no longer available",
		}
	}

	if err := e.ledger.SetAttemptStatus(ctx, offerID, claimantID, claimTimestamp, models.AttemptStatusCompleted); err != nil {
		e.logger.Warn().Err(err).Str("offer_id", offerID).Msg("failed to complete winning attempt")
	}

	e.events.PublishOfferSold(ctx, offerID, claimantID, claimTimestamp, now)

	return models.ClaimResult{
		Success:        true,
		ClaimTimestamp: claimTimestamp,
	}
}

// resolveTerminal maps a sold or expired offer to its claim result. A replay
// by the recorded winner succeeds again, so retrying a claim after a
// transient failure cannot produce a second winner or a false loss.
func (e *Engine) resolveTerminal(offer models.Offer, claimantID string) (bool, models.ClaimResult) {
	switch offer.Status {
	case models.OfferStatusSold:
		if offer.WinnerID == claimantID {
			return true, models.ClaimResult{
				Success:        true,
				ClaimTimestamp: offer.WinningTimestamp,
			}
		}
		return true, models.ClaimResult{
			Success: false,
			Reason:  models.ReasonAlreadySold,
			Error:   "flash sale is no longer available",
			SoldTo:  offer.WinnerID,
			SoldAt:  offer.SoldAt.UTC().Format(time.RFC3339),
		}
	case models.OfferStatusExpired:
		return true, models.ClaimResult{
			Success: false,
			Reason:  models.ReasonNotFound,
			Error:   "flash sale offer is no longer available",
		}
	}
	return false, models.ClaimResult{}
}

// expireInline tries to expire a past-TTL offer. If the check-and-set loses
// to a concurrent sale, the sale's terminal result is returned instead.
func (e *Engine) expireInline(ctx context.Context, offerID, claimantID string, now time.Time) *models.ClaimResult {
	expired, err := e.ledger.MarkExpired(ctx, offerID, now)
	if err != nil {
		result := e.systemError(err, "failed to expire offer")
		return &result
	}
	if expired {
		if err := e.ledger.RejectProcessingAttempts(ctx, offerID); err != nil {
			e.logger.Warn().Err(err).Str("offer_id", offerID).Msg("failed to reject attempts on expiry")
		}
		e.events.PublishOfferExpired(ctx, offerID, now)
		metrics.OffersExpired.Inc()
		return nil
	}

	current, err := e.ledger.GetOffer(ctx, offerID)
	if err != nil {
		result := e.systemError(err, "failed to reload offer")
		return &result
	}
	if terminal, result := e.resolveTerminal(current, claimantID); terminal {
		return &result
	}
	return nil
}

func (e *Engine) systemError(err error, msg string) models.ClaimResult {
	e.logger.Error().Err(err).Msg(msg)
	return models.ClaimResult{
		Success: false,
		Reason:  models.ReasonSystemError,
		Error:   "failed to process claim",
	}
}
