package arbitration

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"flash-sale-api/internal/events"
	"flash-sale-api/internal/ledger"
	"flash-sale-api/internal/metrics"
)

// ExpirationManager sweeps the ledger on a timer, expiring active offers
// past their TTL and purging terminal offers past the retention window.
// Expiry goes through the same check-and-set as a claim, so a sweep racing
// an in-flight claim resolves to exactly one of {sold, expired}.
type ExpirationManager struct {
	ledger    ledger.Ledger
	events    *events.Manager
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewExpirationManager creates a sweeper. Start must be called to begin
// sweeping; Stop drains it.
func NewExpirationManager(l ledger.Ledger, ev *events.Manager, interval, retention time.Duration, logger zerolog.Logger) *ExpirationManager {
	return &ExpirationManager{
		ledger:    l,
		events:    ev,
		interval:  interval,
		retention: retention,
		logger:    logger.With().Str("component", "expiry").Logger(),
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *ExpirationManager) Start() {
	go m.run()
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (m *ExpirationManager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *ExpirationManager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Sweep(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		case <-m.stop:
			return
		}
	}
}

// Sweep runs one expiry pass: transition due offers, reject their lingering
// processing attempts, and purge records past the retention window.
func (m *ExpirationManager) Sweep(ctx context.Context) error {
	now := m.now()

	due, err := m.ledger.DueForExpiry(ctx, now)
	if err != nil {
		return err
	}

	expired := 0
	for _, offerID := range due {
		ok, err := m.ledger.MarkExpired(ctx, offerID, now)
		if err != nil {
			m.logger.Error().Err(err).Str("offer_id", offerID).Msg("failed to expire offer")
			continue
		}
		if !ok {
			// A claim won the check-and-set between our read and write.
			continue
		}

		if err := m.ledger.RejectProcessingAttempts(ctx, offerID); err != nil {
			m.logger.Warn().Err(err).Str("offer_id", offerID).Msg("failed to reject attempts on expiry")
		}

		m.events.PublishOfferExpired(ctx, offerID, now)
		metrics.OffersExpired.Inc()
		expired++
	}

	purged, err := m.ledger.PurgeBefore(ctx, now.Add(-m.retention))
	if err != nil {
		return err
	}

	if expired > 0 || purged > 0 {
		m.logger.Info().Int("expired", expired).Int("purged", purged).Msg("expiry sweep complete")
	}

	return nil
}
