package models

import "time"

// OfferStatus is the lifecycle state of a flash sale offer.
// Transitions are monotonic: active -> sold or active -> expired, never back.
type OfferStatus string

const (
	OfferStatusActive  OfferStatus = "active"
	OfferStatusSold    OfferStatus = "sold"
	OfferStatusExpired OfferStatus = "expired"
)

// AttemptStatus is the lifecycle state of a claim attempt.
type AttemptStatus string

const (
	AttemptStatusProcessing AttemptStatus = "processing"
	AttemptStatusCompleted  AttemptStatus = "completed"
	AttemptStatusRejected   AttemptStatus = "rejected"
)

// ClaimReason identifies why a claim attempt failed.
type ClaimReason string

const (
	ReasonNotFound    ClaimReason = "NOT_FOUND"
	ReasonAlreadySold ClaimReason = "ALREADY_SOLD"
	ReasonRaceLost    ClaimReason = "RACE_CONDITION_LOST"
	ReasonSystemError ClaimReason = "SYSTEM_ERROR"
)

// Offer represents a single-unit resale opportunity derived from a cancelled order.
type Offer struct {
	ID                string      `json:"id"`       // uuid
	OrderID           string      `json:"order_id"` // cancelled source order
	ProductID         string      `json:"product_id"`
	ProductName       string      `json:"product_name"`
	Category          string      `json:"category"`
	ImageURL          string      `json:"image_url,omitempty"`
	Locality          int64       `json:"locality"` // PIN-like numeric zone of the item's origin
	OriginalPrice     float64     `json:"original_price"`
	RecoveryCost      float64     `json:"recovery_cost"`
	DiscountAmount    float64     `json:"discount_amount"`
	DiscountPercent   float64     `json:"discount_percent"`
	DiscountedPrice   float64     `json:"discounted_price"`
	EligibleClaimants []string    `json:"eligible_claimants"`
	Status            OfferStatus `json:"status"`
	WinnerID          string      `json:"winner_id,omitempty"`         // set iff status == sold
	WinningTimestamp  int64       `json:"winning_timestamp,omitempty"` // claimant-supplied, unix ms
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
	SoldAt            time.Time   `json:"sold_at,omitempty"`
	ExpiredAt         time.Time   `json:"expired_at,omitempty"`
}

// Active reports whether the offer can still be claimed at the given time.
func (o Offer) Active(now time.Time) bool {
	return o.Status == OfferStatusActive && now.Before(o.ExpiresAt)
}

// EligibleFor reports whether the claimant belongs to the offer's eligible set.
func (o Offer) EligibleFor(claimantID string) bool {
	for _, id := range o.EligibleClaimants {
		if id == claimantID {
			return true
		}
	}
	return false
}

// ClaimAttempt is a timestamped request by a claimant to win an offer.
// Timestamp is caller-supplied and marks when the claimant's intent was
// formed, not when the server observed the request.
type ClaimAttempt struct {
	OfferID    string        `json:"offer_id"`
	ClaimantID string        `json:"claimant_id"`
	Timestamp  int64         `json:"timestamp"` // unix ms
	Status     AttemptStatus `json:"status"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// CancellationEvent is the input consumed from the order system when a
// purchase is cancelled. Product and price details ride along because the
// order store itself is an external collaborator.
type CancellationEvent struct {
	OrderID       string    `json:"order_id"`
	ProductID     string    `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Category      string    `json:"category"`
	ImageURL      string    `json:"image_url,omitempty"`
	Locality      int64     `json:"locality"`
	OriginalPrice float64   `json:"original_price"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

// Interest is a read-only eligibility record: a claimant's recorded interest
// in a category or exact product, with locality and recency.
type Interest struct {
	ClaimantID   string    `json:"claimant_id"`
	Category     string    `json:"category,omitempty"`
	ProductID    string    `json:"product_id,omitempty"`
	Locality     int64     `json:"locality"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// ClaimRequest is the request body for a claim attempt.
type ClaimRequest struct {
	ClaimantID     string `json:"claimant_id"`
	ClaimTimestamp int64  `json:"claim_timestamp"` // unix ms
}

// ClaimResult is the outcome of a claim attempt. On failure, Reason is set
// and the reason-specific fields name the winner so the loser can be told
// exactly why it lost.
type ClaimResult struct {
	Success          bool        `json:"success"`
	ClaimTimestamp   int64       `json:"claim_timestamp,omitempty"`
	Reason           ClaimReason `json:"reason,omitempty"`
	Error            string      `json:"error,omitempty"`
	SoldTo           string      `json:"sold_to,omitempty"`
	SoldAt           string      `json:"sold_at,omitempty"`
	WinningClaimant  string      `json:"winning_claimant,omitempty"`
	WinningTimestamp int64       `json:"winning_timestamp,omitempty"`
}

// OfferNotification is the fan-out payload handed to the notification
// channel when an offer is generated. Recipients lists only claimants that
// passed the cooldown gate.
type OfferNotification struct {
	OfferID         string    `json:"offer_id"`
	ProductName     string    `json:"product_name"`
	Category        string    `json:"category"`
	OriginalPrice   float64   `json:"original_price"`
	DiscountedPrice float64   `json:"discounted_price"`
	DiscountPercent float64   `json:"discount_percent"`
	Recipients      []string  `json:"eligible_claimants"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CreateInterestsRequest is the request body for ingesting interest records.
type CreateInterestsRequest struct {
	Interests []Interest `json:"interests"`
}

// CreateInterestsResponse reports how many interest records were stored.
type CreateInterestsResponse struct {
	Inserted int `json:"inserted"`
}

// CancellationResponse acknowledges an accepted cancellation event.
type CancellationResponse struct {
	OrderID string `json:"order_id"`
	Queued  bool   `json:"queued"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
