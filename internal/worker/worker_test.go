package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flash-sale-api/internal/cache"
	"flash-sale-api/internal/eligibility"
	"flash-sale-api/internal/events"
	"flash-sale-api/internal/ledger"
	"flash-sale-api/internal/models"
	"flash-sale-api/internal/pricing"
	"flash-sale-api/internal/ratelimit"
)

// stubInterests serves a fixed interest list and can fail a configured
// number of times to exercise the retry path.
type stubInterests struct {
	interests []models.Interest
	failures  int
	calls     int
}

func (s *stubInterests) MatchingInterests(ctx context.Context, category, productID string, locality, proximity int64, since time.Time) ([]models.Interest, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("interest store unavailable")
	}
	return s.interests, nil
}

func newTestPool(t *testing.T, store *stubInterests, opts Options) (*Pool, ledger.Ledger, *ratelimit.NotificationLimiter) {
	t.Helper()

	mem := ledger.NewMemory()
	limiter := ratelimit.NewNotificationLimiter(cache.NewInMemoryCache(), 24*time.Hour)
	matcher := eligibility.NewMatcher(store, 100000, 14*24*time.Hour)
	pricer := pricing.NewCalculator(pricing.DefaultParams())

	pool := NewPool(matcher, pricer, limiter, mem, events.NewManager(false), zerolog.Nop(), opts)
	return pool, mem, limiter
}

func cancellation(orderID string) models.CancellationEvent {
	return models.CancellationEvent{
		OrderID:       orderID,
		ProductID:     "prod-1",
		ProductName:   "Wireless Headphones",
		Category:      "electronics",
		Locality:      560001,
		OriginalPrice: 2000,
		CancelledAt:   time.Now().UTC(),
	}
}

func TestRunJob_CreatesOfferOnce(t *testing.T) {
	store := &stubInterests{interests: []models.Interest{
		{ClaimantID: "user1", Category: "electronics", Locality: 560001},
		{ClaimantID: "user2", Category: "electronics", Locality: 560050},
	}}
	pool, mem, _ := newTestPool(t, store, Options{OfferTTL: 5 * time.Minute, Fanout: true})

	ctx := context.Background()
	event := cancellation("order-1")

	notified, err := pool.runJob(ctx, event)
	if err != nil {
		t.Fatalf("runJob failed: %v", err)
	}
	if notified != 2 {
		t.Fatalf("Expected 2 notified claimants, got %d", notified)
	}

	first, err := mem.GetOfferByOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("Expected offer for order-1: %v", err)
	}
	if first.Status != models.OfferStatusActive {
		t.Errorf("Expected active offer, got %s", first.Status)
	}
	if !first.EligibleFor("user1") || !first.EligibleFor("user2") {
		t.Errorf("Expected both claimants eligible, got %v", first.EligibleClaimants)
	}
	if first.DiscountedPrice != 1775 {
		t.Errorf("Expected discounted price 1775, got %v", first.DiscountedPrice)
	}

	// A redelivered job for the same order must converge on the same offer.
	notified, err = pool.runJob(ctx, event)
	if err != nil {
		t.Fatalf("Replayed runJob failed: %v", err)
	}
	if notified != 0 {
		t.Fatalf("Expected replay to be fully suppressed by cooldown, got %d notified", notified)
	}

	second, err := mem.GetOfferByOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetOfferByOrder failed after replay: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the same offer on replay, got %s and %s", first.ID, second.ID)
	}
}

func TestRunJob_CooldownSuppressesNotificationNotOffer(t *testing.T) {
	store := &stubInterests{interests: []models.Interest{
		{ClaimantID: "user1", Category: "electronics", Locality: 560001},
	}}
	pool, mem, limiter := newTestPool(t, store, Options{OfferTTL: 5 * time.Minute, Fanout: true})

	ctx := context.Background()

	// Claimant already heard about this category/locality recently.
	if _, err := limiter.Allow(ctx, "user1", "electronics", 560001); err != nil {
		t.Fatalf("Failed to pre-mark cooldown: %v", err)
	}

	notified, err := pool.runJob(ctx, cancellation("order-2"))
	if err != nil {
		t.Fatalf("runJob failed: %v", err)
	}
	if notified != 0 {
		t.Fatalf("Expected notification suppressed, got %d notified", notified)
	}

	if _, err := mem.GetOfferByOrder(ctx, "order-2"); err != nil {
		t.Fatalf("Offer record must exist even when notifications are suppressed: %v", err)
	}
}

func TestRunJob_NoEligibleClaimants(t *testing.T) {
	store := &stubInterests{}
	pool, mem, _ := newTestPool(t, store, Options{OfferTTL: 5 * time.Minute})

	ctx := context.Background()
	notified, err := pool.runJob(ctx, cancellation("order-3"))
	if err != nil {
		t.Fatalf("runJob failed: %v", err)
	}
	if notified != 0 {
		t.Fatalf("Expected no notifications, got %d", notified)
	}

	if _, err := mem.GetOfferByOrder(ctx, "order-3"); !errors.Is(err, ledger.ErrOfferNotFound) {
		t.Fatalf("Expected no offer without eligible claimants, got %v", err)
	}
}

func TestRunJob_MalformedEventIsPermanent(t *testing.T) {
	store := &stubInterests{}
	pool, _, _ := newTestPool(t, store, Options{})

	_, err := pool.runJob(context.Background(), models.CancellationEvent{ProductID: "prod-1", OriginalPrice: 100})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("Expected permanent failure for malformed event, got %v", err)
	}
	if store.calls != 0 {
		t.Errorf("Expected no eligibility lookup for malformed event, got %d calls", store.calls)
	}
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	store := &stubInterests{
		failures: 2,
		interests: []models.Interest{
			{ClaimantID: "user1", Category: "electronics", Locality: 560001},
		},
	}
	pool, mem, _ := newTestPool(t, store, Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		OfferTTL:    5 * time.Minute,
	})

	pool.process(cancellation("order-4"))

	if store.calls != 3 {
		t.Errorf("Expected 3 attempts against the interest store, got %d", store.calls)
	}
	if _, err := mem.GetOfferByOrder(context.Background(), "order-4"); err != nil {
		t.Fatalf("Expected offer after retries succeeded: %v", err)
	}
}

func TestProcess_GivesUpAfterMaxAttempts(t *testing.T) {
	store := &stubInterests{failures: 10}
	pool, mem, _ := newTestPool(t, store, Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		OfferTTL:    5 * time.Minute,
	})

	pool.process(cancellation("order-5"))

	if store.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", store.calls)
	}
	if _, err := mem.GetOfferByOrder(context.Background(), "order-5"); !errors.Is(err, ledger.ErrOfferNotFound) {
		t.Fatalf("Expected no offer after exhausted retries, got %v", err)
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	store := &stubInterests{}
	pool, _, _ := newTestPool(t, store, Options{QueueSize: 1})

	ctx := context.Background()
	if err := pool.Enqueue(ctx, cancellation("order-6")); err != nil {
		t.Fatalf("First enqueue should succeed: %v", err)
	}
	if err := pool.Enqueue(ctx, cancellation("order-7")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
}

func TestPool_StartProcessesQueuedJobs(t *testing.T) {
	store := &stubInterests{interests: []models.Interest{
		{ClaimantID: "user1", Category: "electronics", Locality: 560001},
	}}
	pool, mem, _ := newTestPool(t, store, Options{
		Workers:   2,
		QueueSize: 8,
		OfferTTL:  5 * time.Minute,
	})

	ctx := context.Background()
	pool.Start()
	if err := pool.Enqueue(ctx, cancellation("order-8")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	pool.Stop()

	if _, err := mem.GetOfferByOrder(ctx, "order-8"); err != nil {
		t.Fatalf("Expected offer after pool drained: %v", err)
	}

	if err := pool.Enqueue(ctx, cancellation("order-9")); err == nil {
		t.Fatal("Expected enqueue on stopped pool to fail")
	}
}
