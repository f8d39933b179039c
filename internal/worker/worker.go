// Package worker runs the offer generation jobs triggered by order
// cancellations. Jobs are delivered at least once; every write they perform
// is idempotent, so a retried or duplicated job converges on the same
// ledger state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flash-sale-api/internal/eligibility"
	"flash-sale-api/internal/events"
	"flash-sale-api/internal/ledger"
	"flash-sale-api/internal/metrics"
	"flash-sale-api/internal/models"
	"flash-sale-api/internal/pricing"
	"flash-sale-api/internal/ratelimit"
	"flash-sale-api/internal/tracing"
)

// ErrQueueFull is returned by Enqueue when the job queue has no capacity.
var ErrQueueFull = errors.New("worker: job queue is full")

// errPermanent marks job failures that retrying cannot fix.
var errPermanent = errors.New("permanent job failure")

// Options configures the worker pool.
type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration // exponential: base * 2^attempt
	OfferTTL    time.Duration
	Fanout      bool // publish offer.created notifications
}

// Pool consumes cancellation events and generates flash sale offers.
type Pool struct {
	matcher *eligibility.Matcher
	pricer  *pricing.Calculator
	limiter *ratelimit.NotificationLimiter
	ledger  ledger.Ledger
	events  *events.Manager
	logger  zerolog.Logger
	opts    Options
	now     func() time.Time

	jobs   chan models.CancellationEvent
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPool creates a worker pool. Start must be called before Enqueue.
func NewPool(
	matcher *eligibility.Matcher,
	pricer *pricing.Calculator,
	limiter *ratelimit.NotificationLimiter,
	l ledger.Ledger,
	ev *events.Manager,
	logger zerolog.Logger,
	opts Options,
) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	return &Pool{
		matcher: matcher,
		pricer:  pricer,
		limiter: limiter,
		ledger:  l,
		events:  ev,
		logger:  logger.With().Str("component", "worker").Logger(),
		opts:    opts,
		now:     time.Now,
		jobs:    make(chan models.CancellationEvent, opts.QueueSize),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for event := range p.jobs {
				p.process(event)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Enqueue submits a cancellation event for processing. It never blocks; a
// full queue is surfaced to the caller as backpressure.
func (p *Pool) Enqueue(ctx context.Context, event models.CancellationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("worker: pool is stopped")
	}

	select {
	case p.jobs <- event:
		p.events.PublishOrderCancelled(ctx, event)
		return nil
	default:
		return ErrQueueFull
	}
}

// process runs one job with exponential backoff, up to the attempt cap. A
// permanently failing job is reported and dropped; it never takes down the
// pool.
func (p *Pool) process(event models.CancellationEvent) {
	start := p.now()
	logger := p.logger.With().Str("order_id", event.OrderID).Logger()

	var err error
	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.opts.BackoffBase * (1 << (attempt - 1)))
		}

		var notified int
		notified, err = p.runJob(context.Background(), event)
		if err == nil {
			metrics.RecordGenerationJob("success", p.now().Sub(start).Seconds())
			logger.Info().Int("notified", notified).Msg("offer generation job complete")
			return
		}
		if errors.Is(err, errPermanent) {
			metrics.RecordGenerationJob("failed", p.now().Sub(start).Seconds())
			logger.Error().Err(err).Msg("offer generation job failed permanently")
			return
		}

		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("offer generation job failed, retrying")
	}

	metrics.RecordGenerationJob("failed", p.now().Sub(start).Seconds())
	logger.Error().Err(err).Int("attempts", p.opts.MaxAttempts).Msg("offer generation job exhausted retries")
}

// runJob executes one generation pass. Every step is safe to re-run: the
// offer insert is keyed on the order id, and the cooldown markers set on a
// previous run suppress duplicate notifications on the next.
func (p *Pool) runJob(ctx context.Context, event models.CancellationEvent) (int, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "worker.GenerateOffer",
		trace.WithAttributes(
			attribute.String("order.id", event.OrderID),
			attribute.String("product.category", event.Category),
		))
	defer span.End()

	if event.OrderID == "" || event.ProductID == "" || event.OriginalPrice <= 0 {
		return 0, fmt.Errorf("%w: malformed cancellation event", errPermanent)
	}

	now := p.now()

	claimants, err := p.matcher.Match(ctx, event, now)
	if err != nil {
		return 0, fmt.Errorf("eligibility lookup failed: %w", err)
	}
	if len(claimants) == 0 {
		p.logger.Debug().Str("order_id", event.OrderID).Msg("no eligible claimants, skipping offer")
		return 0, nil
	}

	quote := p.pricer.Price(event.OriginalPrice)

	claimantIDs := make([]string, len(claimants))
	for i, claimant := range claimants {
		claimantIDs[i] = claimant.ClaimantID
	}

	offer := models.Offer{
		ID:                uuid.New().String(),
		OrderID:           event.OrderID,
		ProductID:         event.ProductID,
		ProductName:       event.ProductName,
		Category:          event.Category,
		ImageURL:          event.ImageURL,
		Locality:          event.Locality,
		OriginalPrice:     quote.OriginalPrice,
		RecoveryCost:      quote.RecoveryCost,
		DiscountAmount:    quote.DiscountAmount,
		DiscountPercent:   quote.DiscountPercent,
		DiscountedPrice:   quote.DiscountedPrice,
		EligibleClaimants: claimantIDs,
		Status:            models.OfferStatusActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(p.opts.OfferTTL),
	}

	canonical, created, err := p.ledger.CreateOffer(ctx, offer)
	if err != nil {
		return 0, fmt.Errorf("failed to write offer: %w", err)
	}
	if created {
		metrics.OffersCreated.Inc()
	}

	// The cooldown gate decides who actually hears about the offer. The
	// offer record exists either way; only the notification is suppressed.
	recipients := make([]string, 0, len(claimants))
	for _, claimant := range claimants {
		allowed, err := p.limiter.Allow(ctx, claimant.ClaimantID, event.Category, claimant.Locality)
		if err != nil {
			// A duplicate notification beats a silently dropped one.
			p.logger.Warn().Err(err).Str("claimant_id", claimant.ClaimantID).Msg("cooldown check failed, notifying anyway")
			allowed = true
		}
		if allowed {
			recipients = append(recipients, claimant.ClaimantID)
		} else {
			metrics.NotificationsSuppressed.Inc()
		}
	}

	if p.opts.Fanout && len(recipients) > 0 {
		p.events.PublishOfferCreated(ctx, canonical, models.OfferNotification{
			OfferID:         canonical.ID,
			ProductName:     canonical.ProductName,
			Category:        canonical.Category,
			OriginalPrice:   canonical.OriginalPrice,
			DiscountedPrice: canonical.DiscountedPrice,
			DiscountPercent: canonical.DiscountPercent,
			Recipients:      recipients,
			ExpiresAt:       canonical.ExpiresAt,
		})
	}

	return len(recipients), nil
}
