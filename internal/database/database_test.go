package database

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"flash-sale-api/internal/ledger"
	"flash-sale-api/internal/models"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	dbPath := "./test_" + uuid.New().String() + ".db"
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return db, cleanup
}

func testOffer(expiresAt time.Time, claimants ...string) models.Offer {
	now := expiresAt.Add(-5 * time.Minute)
	return models.Offer{
		ID:                uuid.New().String(),
		OrderID:           uuid.New().String(),
		ProductID:         "prod-1",
		ProductName:       "Wireless Headphones",
		Category:          "electronics",
		Locality:          560001,
		OriginalPrice:     2000,
		DiscountedPrice:   1775,
		EligibleClaimants: claimants,
		Status:            models.OfferStatusActive,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}
}

func TestCreateOffer_IdempotentPerOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	offer := testOffer(now.Add(5*time.Minute), "userA")
	first, created, err := db.CreateOffer(ctx, offer)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if !created {
		t.Fatal("Expected first insert to create the offer")
	}

	// Same order, fresh offer id, an extra claimant from a retried run.
	retry := offer
	retry.ID = uuid.New().String()
	retry.EligibleClaimants = []string{"userA", "userB"}

	second, created, err := db.CreateOffer(ctx, retry)
	if err != nil {
		t.Fatalf("Retried CreateOffer failed: %v", err)
	}
	if created {
		t.Fatal("Expected retry to resolve to the existing offer")
	}
	if second.ID != first.ID {
		t.Errorf("Expected canonical offer id %s, got %s", first.ID, second.ID)
	}
	if !second.EligibleFor("userA") || !second.EligibleFor("userB") {
		t.Errorf("Expected merged claimant set, got %v", second.EligibleClaimants)
	}
}

func TestMarkSold_ExactlyOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	offer := testOffer(now.Add(5*time.Minute), "userA", "userB")
	if _, _, err := db.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	won, err := db.MarkSold(ctx, offer.ID, "userA", 1000, now)
	if err != nil || !won {
		t.Fatalf("Expected first MarkSold to win: won=%v err=%v", won, err)
	}

	won, err = db.MarkSold(ctx, offer.ID, "userB", 1050, now)
	if err != nil {
		t.Fatalf("Second MarkSold failed: %v", err)
	}
	if won {
		t.Fatal("Expected second MarkSold to lose the check-and-set")
	}

	stored, err := db.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetOffer failed: %v", err)
	}
	if stored.Status != models.OfferStatusSold || stored.WinnerID != "userA" || stored.WinningTimestamp != 1000 {
		t.Errorf("Unexpected sold state: %+v", stored)
	}
}

func TestMarkExpired_LosesToSale(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	offer := testOffer(now.Add(-time.Minute), "userA")
	if _, _, err := db.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	if won, err := db.MarkSold(ctx, offer.ID, "userA", 1000, now); err != nil || !won {
		t.Fatalf("MarkSold failed: won=%v err=%v", won, err)
	}

	expired, err := db.MarkExpired(ctx, offer.ID, now)
	if err != nil {
		t.Fatalf("MarkExpired failed: %v", err)
	}
	if expired {
		t.Fatal("Expected expiry to lose against a completed sale")
	}
}

func TestMarkSold_ConcurrentSingleWinner(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	offer := testOffer(now.Add(5*time.Minute), "userA")
	if _, _, err := db.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	wins := make([]bool, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := db.MarkSold(ctx, offer.ID, uuid.New().String(), int64(1000+i), now)
			if err != nil {
				t.Errorf("MarkSold failed: %v", err)
				return
			}
			wins[i] = won
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("Expected exactly one winning write, got %d", winners)
	}
}

func TestRecordAttempt_DuplicateIsNoOp(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	offer := testOffer(now.Add(5*time.Minute), "userA")
	if _, _, err := db.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	attempt := models.ClaimAttempt{
		OfferID:    offer.ID,
		ClaimantID: "userA",
		Timestamp:  1000,
		Status:     models.AttemptStatusProcessing,
		RecordedAt: now,
	}
	if err := db.RecordAttempt(ctx, attempt); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if err := db.RecordAttempt(ctx, attempt); err != nil {
		t.Fatalf("Duplicate RecordAttempt failed: %v", err)
	}

	attempts, err := db.AttemptsFor(ctx, offer.ID)
	if err != nil {
		t.Fatalf("AttemptsFor failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("Expected one attempt after duplicate insert, got %d", len(attempts))
	}
}

func TestPurgeBefore_RemovesTerminalOffers(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	// Terminal and past retention.
	old := testOffer(now.Add(-2*time.Hour), "userA")
	if _, _, err := db.CreateOffer(ctx, old); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if _, err := db.MarkExpired(ctx, old.ID, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("MarkExpired failed: %v", err)
	}

	// Still active; never purged regardless of age.
	active := testOffer(now.Add(5*time.Minute), "userA")
	if _, _, err := db.CreateOffer(ctx, active); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	purged, err := db.PurgeBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeBefore failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("Expected one purged offer, got %d", purged)
	}

	if _, err := db.GetOffer(ctx, old.ID); err != ledger.ErrOfferNotFound {
		t.Errorf("Expected purged offer gone, got %v", err)
	}
	if _, err := db.GetOffer(ctx, active.ID); err != nil {
		t.Errorf("Expected active offer retained: %v", err)
	}
}
