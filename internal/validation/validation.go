package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"flash-sale-api/internal/models"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

const maxIdentifierLength = 128

func ValidateCancellationEvent(event models.CancellationEvent) error {
	if err := ValidateIdentifier(event.OrderID, "order_id"); err != nil {
		return err
	}

	if err := ValidateIdentifier(event.ProductID, "product_id"); err != nil {
		return err
	}

	if event.Category == "" {
		return &ValidationError{
			Field:   "category",
			Message: "is required",
		}
	}

	if event.Locality < 0 {
		return &ValidationError{
			Field:   "locality",
			Message: "must be non-negative",
		}
	}

	if event.OriginalPrice <= 0 {
		return &ValidationError{
			Field:   "original_price",
			Message: "must be positive",
		}
	}

	maxPrice := float64(100_000_000)
	if event.OriginalPrice > maxPrice {
		return &ValidationError{
			Field:   "original_price",
			Message: "exceeds maximum allowed amount",
		}
	}

	if event.CancelledAt.IsZero() {
		return &ValidationError{
			Field:   "cancelled_at",
			Message: "is required",
		}
	}

	maxFutureTime := time.Now().Add(1 * time.Hour)
	if event.CancelledAt.After(maxFutureTime) {
		return &ValidationError{
			Field:   "cancelled_at",
			Message: "cannot be more than 1 hour in the future",
		}
	}

	return nil
}

func ValidateClaimRequest(req models.ClaimRequest) error {
	if err := ValidateIdentifier(req.ClaimantID, "claimant_id"); err != nil {
		return err
	}

	if req.ClaimTimestamp <= 0 {
		return &ValidationError{
			Field:   "claim_timestamp",
			Message: "must be a positive unix millisecond timestamp",
		}
	}

	maxFuture := time.Now().Add(1 * time.Hour).UnixMilli()
	if req.ClaimTimestamp > maxFuture {
		return &ValidationError{
			Field:   "claim_timestamp",
			Message: "cannot be more than 1 hour in the future",
		}
	}

	return nil
}

func ValidateInterest(interest models.Interest) error {
	if err := ValidateIdentifier(interest.ClaimantID, "claimant_id"); err != nil {
		return err
	}

	if interest.Category == "" && interest.ProductID == "" {
		return &ValidationError{
			Field:   "category",
			Message: "either category or product_id is required",
		}
	}

	if interest.Locality < 0 {
		return &ValidationError{
			Field:   "locality",
			Message: "must be non-negative",
		}
	}

	if interest.LastActiveAt.IsZero() {
		return &ValidationError{
			Field:   "last_active_at",
			Message: "is required",
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateIdentifier checks an opaque external identifier (order, product,
// claimant). Identifiers come from other systems, so the format is not pinned
// to UUIDs; they just need to be non-empty, printable, and bounded.
func ValidateIdentifier(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if SanitizeString(id) != id {
		return &ValidationError{
			Field:   fieldName,
			Message: "contains invalid characters",
		}
	}

	if len(id) > maxIdentifierLength {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("cannot exceed %d characters", maxIdentifierLength),
		}
	}

	return nil
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
