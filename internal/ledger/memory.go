package ledger

import (
	"context"
	"sort"
	"time"

	"flash-sale-api/internal/models"
)

// Memory is an in-process Ledger. Each offer carries its own mutex, so
// mutations are serialized per offer while unrelated offers are arbitrated
// fully in parallel. The index maps are guarded separately and held only
// for lookups.
type Memory struct {
	mu      chan struct{}
	offers  map[string]*memOffer
	byOrder map[string]string
}

type memOffer struct {
	mu       chan struct{}
	offer    models.Offer
	attempts []models.ClaimAttempt
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		mu:      make(chan struct{}, 1),
		offers:  make(map[string]*memOffer),
		byOrder: make(map[string]string),
	}
}

func (m *Memory) lock()   { m.mu <- struct{}{} }
func (m *Memory) unlock() { <-m.mu }

func (o *memOffer) lock()   { o.mu <- struct{}{} }
func (o *memOffer) unlock() { <-o.mu }

func (m *Memory) get(offerID string) (*memOffer, bool) {
	m.lock()
	defer m.unlock()
	entry, ok := m.offers[offerID]
	return entry, ok
}

// CreateOffer inserts the offer if its source order has none yet.
func (m *Memory) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, bool, error) {
	m.lock()

	if existingID, ok := m.byOrder[offer.OrderID]; ok {
		entry := m.offers[existingID]
		m.unlock()

		// Retry path: merge any claimants the first run did not see.
		entry.lock()
		defer entry.unlock()
		for _, claimantID := range offer.EligibleClaimants {
			if !entry.offer.EligibleFor(claimantID) {
				entry.offer.EligibleClaimants = append(entry.offer.EligibleClaimants, claimantID)
			}
		}
		return copyOffer(entry.offer), false, nil
	}

	stored := copyOffer(offer)
	m.offers[offer.ID] = &memOffer{
		mu:    make(chan struct{}, 1),
		offer: stored,
	}
	m.byOrder[offer.OrderID] = offer.ID
	m.unlock()

	return copyOffer(stored), true, nil
}

func (m *Memory) GetOffer(ctx context.Context, offerID string) (models.Offer, error) {
	entry, ok := m.get(offerID)
	if !ok {
		return models.Offer{}, ErrOfferNotFound
	}

	entry.lock()
	defer entry.unlock()
	return copyOffer(entry.offer), nil
}

func (m *Memory) GetOfferByOrder(ctx context.Context, orderID string) (models.Offer, error) {
	m.lock()
	offerID, ok := m.byOrder[orderID]
	m.unlock()
	if !ok {
		return models.Offer{}, ErrOfferNotFound
	}
	return m.GetOffer(ctx, offerID)
}

func (m *Memory) ListActiveForClaimant(ctx context.Context, claimantID string, now time.Time) ([]models.Offer, error) {
	m.lock()
	entries := make([]*memOffer, 0, len(m.offers))
	for _, entry := range m.offers {
		entries = append(entries, entry)
	}
	m.unlock()

	var offers []models.Offer
	for _, entry := range entries {
		entry.lock()
		if entry.offer.Active(now) && entry.offer.EligibleFor(claimantID) {
			offers = append(offers, copyOffer(entry.offer))
		}
		entry.unlock()
	}

	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.After(offers[j].CreatedAt)
	})

	return offers, nil
}

func (m *Memory) RecordAttempt(ctx context.Context, attempt models.ClaimAttempt) error {
	entry, ok := m.get(attempt.OfferID)
	if !ok {
		return ErrOfferNotFound
	}

	entry.lock()
	defer entry.unlock()

	for _, existing := range entry.attempts {
		if existing.ClaimantID == attempt.ClaimantID && existing.Timestamp == attempt.Timestamp {
			return nil
		}
	}

	entry.attempts = append(entry.attempts, attempt)
	return nil
}

func (m *Memory) AttemptsFor(ctx context.Context, offerID string) ([]models.ClaimAttempt, error) {
	entry, ok := m.get(offerID)
	if !ok {
		return nil, nil
	}

	entry.lock()
	defer entry.unlock()

	attempts := make([]models.ClaimAttempt, len(entry.attempts))
	copy(attempts, entry.attempts)

	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].Timestamp < attempts[j].Timestamp
	})

	return attempts, nil
}

func (m *Memory) SetAttemptStatus(ctx context.Context, offerID, claimantID string, timestamp int64, status models.AttemptStatus) error {
	entry, ok := m.get(offerID)
	if !ok {
		return ErrOfferNotFound
	}

	entry.lock()
	defer entry.unlock()

	for i := range entry.attempts {
		if entry.attempts[i].ClaimantID == claimantID && entry.attempts[i].Timestamp == timestamp {
			entry.attempts[i].Status = status
		}
	}
	return nil
}

func (m *Memory) MarkSold(ctx context.Context, offerID, winnerID string, winningTimestamp int64, soldAt time.Time) (bool, error) {
	entry, ok := m.get(offerID)
	if !ok {
		return false, ErrOfferNotFound
	}

	entry.lock()
	defer entry.unlock()

	if entry.offer.Status != models.OfferStatusActive {
		return false, nil
	}

	entry.offer.Status = models.OfferStatusSold
	entry.offer.WinnerID = winnerID
	entry.offer.WinningTimestamp = winningTimestamp
	entry.offer.SoldAt = soldAt
	return true, nil
}

func (m *Memory) MarkExpired(ctx context.Context, offerID string, expiredAt time.Time) (bool, error) {
	entry, ok := m.get(offerID)
	if !ok {
		return false, ErrOfferNotFound
	}

	entry.lock()
	defer entry.unlock()

	if entry.offer.Status != models.OfferStatusActive {
		return false, nil
	}

	entry.offer.Status = models.OfferStatusExpired
	entry.offer.ExpiredAt = expiredAt
	return true, nil
}

func (m *Memory) DueForExpiry(ctx context.Context, now time.Time) ([]string, error) {
	m.lock()
	entries := make([]*memOffer, 0, len(m.offers))
	for _, entry := range m.offers {
		entries = append(entries, entry)
	}
	m.unlock()

	var due []string
	for _, entry := range entries {
		entry.lock()
		if entry.offer.Status == models.OfferStatusActive && !entry.offer.ExpiresAt.After(now) {
			due = append(due, entry.offer.ID)
		}
		entry.unlock()
	}

	return due, nil
}

func (m *Memory) RejectProcessingAttempts(ctx context.Context, offerID string) error {
	entry, ok := m.get(offerID)
	if !ok {
		return nil
	}

	entry.lock()
	defer entry.unlock()

	for i := range entry.attempts {
		if entry.attempts[i].Status == models.AttemptStatusProcessing {
			entry.attempts[i].Status = models.AttemptStatusRejected
		}
	}
	return nil
}

func (m *Memory) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.lock()
	defer m.unlock()

	purged := 0
	for id, entry := range m.offers {
		entry.lock()
		terminal := entry.offer.Status != models.OfferStatusActive
		due := !entry.offer.ExpiresAt.After(cutoff)
		orderID := entry.offer.OrderID
		entry.unlock()

		if terminal && due {
			delete(m.offers, id)
			delete(m.byOrder, orderID)
			purged++
		}
	}

	return purged, nil
}

func copyOffer(offer models.Offer) models.Offer {
	claimants := make([]string, len(offer.EligibleClaimants))
	copy(claimants, offer.EligibleClaimants)
	offer.EligibleClaimants = claimants
	return offer
}
