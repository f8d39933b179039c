package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"flash-sale-api/internal/arbitration"
	"flash-sale-api/internal/ledger"
	"flash-sale-api/internal/models"
	"flash-sale-api/internal/validation"
	"flash-sale-api/internal/worker"
)

const maxInterestBatch = 1000

// InterestWriter stores claimant interest records.
type InterestWriter interface {
	InsertInterests(ctx context.Context, interests []models.Interest) (int, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	pool        *worker.Pool
	engine      *arbitration.Engine
	ledger      ledger.Ledger
	interests   InterestWriter
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(pool *worker.Pool, engine *arbitration.Engine, l ledger.Ledger, interests InterestWriter) *Handler {
	return NewHandlerWithOptions(pool, engine, l, interests, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(pool *worker.Pool, engine *arbitration.Engine, l ledger.Ledger, interests InterestWriter, opts NewHandlerOptions) *Handler {
	return &Handler{
		pool:        pool,
		engine:      engine,
		ledger:      l,
		interests:   interests,
		maxBodySize: opts.MaxBodySize,
	}
}

// CreateCancellation handles POST /cancellations
func (h *Handler) CreateCancellation(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var event models.CancellationEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	event.OrderID = validation.SanitizeString(event.OrderID)
	event.ProductID = validation.SanitizeString(event.ProductID)
	event.ProductName = validation.SanitizeString(event.ProductName)
	event.Category = validation.SanitizeString(event.Category)

	if err := validation.ValidateCancellationEvent(event); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.pool.Enqueue(r.Context(), event); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			h.respondError(w, http.StatusServiceUnavailable, "cancellation queue is full, retry later")
			return
		}
		h.respondError(w, http.StatusServiceUnavailable, "cancellation intake is unavailable")
		return
	}

	h.respondJSON(w, http.StatusAccepted, models.CancellationResponse{
		OrderID: event.OrderID,
		Queued:  true,
	})
}

// ClaimOffer handles POST /offers/{offer_id}/claims
func (h *Handler) ClaimOffer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	offerID := validation.SanitizeString(chi.URLParam(r, "offer_id"))
	if offerID == "" {
		h.respondError(w, http.StatusBadRequest, "offer_id is required")
		return
	}

	var req models.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.ClaimantID = validation.SanitizeString(req.ClaimantID)
	if err := validation.ValidateClaimRequest(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.engine.AttemptClaim(r.Context(), offerID, req.ClaimantID, req.ClaimTimestamp)

	h.respondJSON(w, claimStatusCode(result), result)
}

// claimStatusCode maps an arbitration outcome to an HTTP status.
func claimStatusCode(result models.ClaimResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.Reason {
	case models.ReasonNotFound:
		return http.StatusNotFound
	case models.ReasonAlreadySold, models.ReasonRaceLost:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetOffer handles GET /offers/{offer_id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offerID := validation.SanitizeString(chi.URLParam(r, "offer_id"))
	if offerID == "" {
		h.respondError(w, http.StatusBadRequest, "offer_id is required")
		return
	}

	offer, err := h.ledger.GetOffer(r.Context(), offerID)
	if errors.Is(err, ledger.ErrOfferNotFound) {
		h.respondError(w, http.StatusNotFound, "flash sale offer not found")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to load offer")
		return
	}

	h.respondJSON(w, http.StatusOK, offer)
}

// ListClaimantOffers handles GET /claimants/{claimant_id}/offers
func (h *Handler) ListClaimantOffers(w http.ResponseWriter, r *http.Request) {
	claimantID := validation.SanitizeString(chi.URLParam(r, "claimant_id"))
	if claimantID == "" {
		h.respondError(w, http.StatusBadRequest, "claimant_id is required")
		return
	}

	// Parse optional 'now' query parameter
	now := time.Now().UTC()
	if nowParam := r.URL.Query().Get("now"); nowParam != "" {
		nowParam = validation.SanitizeString(nowParam)
		parsed, err := validation.ValidateTimeString(nowParam)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'now' parameter, must be RFC3339 format")
			return
		}
		now = parsed.UTC()
	}

	offers, err := h.ledger.ListActiveForClaimant(r.Context(), claimantID, now)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}

	h.respondJSON(w, http.StatusOK, offers)
}

// CreateInterests handles POST /interests
func (h *Handler) CreateInterests(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.CreateInterestsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	if len(req.Interests) > maxInterestBatch {
		h.respondError(w, http.StatusBadRequest, "too many interests in one request")
		return
	}

	for i := range req.Interests {
		interest := &req.Interests[i]
		interest.ClaimantID = validation.SanitizeString(interest.ClaimantID)
		interest.Category = validation.SanitizeString(interest.Category)
		interest.ProductID = validation.SanitizeString(interest.ProductID)

		if err := validation.ValidateInterest(*interest); err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	inserted, err := h.interests.InsertInterests(r.Context(), req.Interests)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to store interests")
		return
	}

	h.respondJSON(w, http.StatusCreated, models.CreateInterestsResponse{
		Inserted: inserted,
	})
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
