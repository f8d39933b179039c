package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flash-sale-api/internal/arbitration"
	"flash-sale-api/internal/cache"
	"flash-sale-api/internal/database"
	"flash-sale-api/internal/eligibility"
	"flash-sale-api/internal/events"
	"flash-sale-api/internal/models"
	"flash-sale-api/internal/pricing"
	"flash-sale-api/internal/ratelimit"
	"flash-sale-api/internal/worker"
)

type testServer struct {
	db     *database.DB
	pool   *worker.Pool
	router *chi.Mux
}

func setupTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()

	dbPath := "./test_" + uuid.New().String() + ".db"
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	matcher := eligibility.NewMatcher(db, 100000, 14*24*time.Hour)
	pricer := pricing.NewCalculator(pricing.DefaultParams())
	limiter := ratelimit.NewNotificationLimiter(cache.NewInMemoryCache(), 24*time.Hour)
	eventManager := events.NewManager(false)

	pool := worker.NewPool(matcher, pricer, limiter, db, eventManager, zerolog.Nop(), worker.Options{
		Workers:   1,
		QueueSize: 16,
		OfferTTL:  5 * time.Minute,
	})
	pool.Start()

	engine := arbitration.NewEngine(db, eventManager, 30*time.Second, zerolog.Nop())

	h := NewHandler(pool, engine, db, db)

	router := chi.NewRouter()
	router.Post("/cancellations", h.CreateCancellation)
	router.Get("/offers/{offer_id}", h.GetOffer)
	router.Post("/offers/{offer_id}/claims", h.ClaimOffer)
	router.Get("/claimants/{claimant_id}/offers", h.ListClaimantOffers)
	router.Post("/interests", h.CreateInterests)

	cleanup := func() {
		pool.Stop()
		db.Close()
		os.Remove(dbPath)
	}

	return &testServer{db: db, pool: pool, router: router}, cleanup
}

func (s *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func seedOffer(t *testing.T, db *database.DB, claimants ...string) models.Offer {
	t.Helper()

	now := time.Now().UTC()
	offer := models.Offer{
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
		ExpiresAt:         now.Add(5 * time.Minute),
	}

	created, _, err := db.CreateOffer(context.Background(), offer)
	if err != nil {
		t.Fatalf("Failed to seed offer: %v", err)
	}
	return created
}

func TestCreateCancellation_GeneratesOffer(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	_, err := srv.db.InsertInterests(ctx, []models.Interest{
		{ClaimantID: "user1", Category: "electronics", Locality: 560001, LastActiveAt: now.Add(-time.Hour)},
	})
	if err != nil {
		t.Fatalf("Failed to insert interests: %v", err)
	}

	orderID := uuid.New().String()
	rec := srv.request(t, http.MethodPost, "/cancellations", models.CancellationEvent{
		OrderID:       orderID,
		ProductID:     "prod-1",
		ProductName:   "Wireless Headphones",
		Category:      "electronics",
		Locality:      560001,
		OriginalPrice: 2000,
		CancelledAt:   now,
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.CancellationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.OrderID != orderID || !resp.Queued {
		t.Errorf("Unexpected response: %+v", resp)
	}

	// Drain the worker so the generated offer is visible.
	srv.pool.Stop()

	offer, err := srv.db.GetOfferByOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("Expected generated offer: %v", err)
	}
	if !offer.EligibleFor("user1") {
		t.Errorf("Expected user1 eligible, got %v", offer.EligibleClaimants)
	}
	if offer.DiscountedPrice != 1775 {
		t.Errorf("Expected discounted price 1775, got %v", offer.DiscountedPrice)
	}
}

func TestCreateCancellation_InvalidBody(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	rec := srv.request(t, http.MethodPost, "/cancellations", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for empty body, got %d", rec.Code)
	}

	rec = srv.request(t, http.MethodPost, "/cancellations", models.CancellationEvent{
		ProductID:     "prod-1",
		Category:      "electronics",
		OriginalPrice: 2000,
		CancelledAt:   time.Now().UTC(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing order_id, got %d", rec.Code)
	}

	rec = srv.request(t, http.MethodPost, "/cancellations", models.CancellationEvent{
		OrderID:     uuid.New().String(),
		ProductID:   "prod-1",
		Category:    "electronics",
		CancelledAt: time.Now().UTC(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for non-positive price, got %d", rec.Code)
	}
}

func TestClaimOffer_Success(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	offer := seedOffer(t, srv.db, "userA", "userB")

	rec := srv.request(t, http.MethodPost, "/offers/"+offer.ID+"/claims", models.ClaimRequest{
		ClaimantID:     "userA",
		ClaimTimestamp: time.Now().UnixMilli(),
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result models.ClaimResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected winning claim, got %+v", result)
	}
}

func TestClaimOffer_AlreadySold(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	offer := seedOffer(t, srv.db, "userA", "userB")

	ts := time.Now().UnixMilli()
	rec := srv.request(t, http.MethodPost, "/offers/"+offer.ID+"/claims", models.ClaimRequest{
		ClaimantID:     "userA",
		ClaimTimestamp: ts,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected first claim to win, got %d", rec.Code)
	}

	rec = srv.request(t, http.MethodPost, "/offers/"+offer.ID+"/claims", models.ClaimRequest{
		ClaimantID:     "userB",
		ClaimTimestamp: ts + 50,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for sold offer, got %d: %s", rec.Code, rec.Body.String())
	}

	var result models.ClaimResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Reason != models.ReasonAlreadySold || result.SoldTo != "userA" {
		t.Errorf("Expected ALREADY_SOLD to userA, got %+v", result)
	}
}

func TestClaimOffer_NotFound(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	rec := srv.request(t, http.MethodPost, "/offers/"+uuid.New().String()+"/claims", models.ClaimRequest{
		ClaimantID:     "userA",
		ClaimTimestamp: time.Now().UnixMilli(),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown offer, got %d", rec.Code)
	}
}

func TestClaimOffer_ValidationErrors(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	offer := seedOffer(t, srv.db, "userA")

	rec := srv.request(t, http.MethodPost, "/offers/"+offer.ID+"/claims", models.ClaimRequest{
		ClaimTimestamp: time.Now().UnixMilli(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing claimant_id, got %d", rec.Code)
	}

	rec = srv.request(t, http.MethodPost, "/offers/"+offer.ID+"/claims", models.ClaimRequest{
		ClaimantID: "userA",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing claim_timestamp, got %d", rec.Code)
	}
}

func TestGetOffer(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	offer := seedOffer(t, srv.db, "userA")

	rec := srv.request(t, http.MethodGet, "/offers/"+offer.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var fetched models.Offer
	if err := json.NewDecoder(rec.Body).Decode(&fetched); err != nil {
		t.Fatalf("Failed to decode offer: %v", err)
	}
	if fetched.ID != offer.ID || fetched.Status != models.OfferStatusActive {
		t.Errorf("Unexpected offer: %+v", fetched)
	}

	rec = srv.request(t, http.MethodGet, "/offers/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown offer, got %d", rec.Code)
	}
}

func TestListClaimantOffers(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	offer := seedOffer(t, srv.db, "userA")

	rec := srv.request(t, http.MethodGet, "/claimants/userA/offers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var offers []models.Offer
	if err := json.NewDecoder(rec.Body).Decode(&offers); err != nil {
		t.Fatalf("Failed to decode offers: %v", err)
	}
	if len(offers) != 1 || offers[0].ID != offer.ID {
		t.Fatalf("Expected seeded offer listed, got %v", offers)
	}

	// Another claimant sees nothing.
	rec = srv.request(t, http.MethodGet, "/claimants/stranger/offers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	offers = nil
	if err := json.NewDecoder(rec.Body).Decode(&offers); err != nil {
		t.Fatalf("Failed to decode offers: %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("Expected empty list, got %v", offers)
	}

	// Past the claim window the offer disappears from listings.
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = srv.request(t, http.MethodGet, "/claimants/userA/offers?now="+future, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	offers = nil
	if err := json.NewDecoder(rec.Body).Decode(&offers); err != nil {
		t.Fatalf("Failed to decode offers: %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("Expected expired offer hidden, got %v", offers)
	}
}

func TestCreateInterests(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	now := time.Now().UTC()
	rec := srv.request(t, http.MethodPost, "/interests", models.CreateInterestsRequest{
		Interests: []models.Interest{
			{ClaimantID: "user1", Category: "electronics", Locality: 560001, LastActiveAt: now},
			{ClaimantID: "user2", ProductID: "prod-1", Locality: 560050, LastActiveAt: now},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.CreateInterestsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Inserted != 2 {
		t.Errorf("Expected 2 inserted, got %d", resp.Inserted)
	}

	rec = srv.request(t, http.MethodPost, "/interests", models.CreateInterestsRequest{
		Interests: []models.Interest{
			{ClaimantID: "user3", Locality: 560001, LastActiveAt: now},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for interest without category or product, got %d", rec.Code)
	}
}
