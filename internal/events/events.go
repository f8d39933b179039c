// Package events is the in-process notification channel between the offer
// ledger and claimant-facing front ends. Delivery plumbing (push, sockets)
// is an external collaborator that subscribes here; arbitration itself never
// depends on it.
package events

import (
	"context"
	"sync"
	"time"

	"flash-sale-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventOrderCancelled is emitted when a cancellation event is accepted
	EventOrderCancelled EventType = "order.cancelled"
	// EventOfferCreated is emitted when a flash sale offer is generated
	EventOfferCreated EventType = "offer.created"
	// EventOfferSold is emitted when a claim wins an offer
	EventOfferSold EventType = "offer.sold"
	// EventOfferExpired is emitted when an offer expires unclaimed
	EventOfferExpired EventType = "offer.expired"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// OrderCancelledData contains data for order cancelled events.
type OrderCancelledData struct {
	Event models.CancellationEvent
}

// OfferCreatedData contains data for offer created events. Notification is
// the fan-out payload; its recipient list excludes claimants suppressed by
// the cooldown gate.
type OfferCreatedData struct {
	Offer        models.Offer
	Notification models.OfferNotification
}

// OfferSoldData contains data for offer sold events.
type OfferSoldData struct {
	OfferID          string
	WinnerID         string
	WinningTimestamp int64
	SoldAt           time.Time
}

// OfferExpiredData contains data for offer expired events.
type OfferExpiredData struct {
	OfferID   string
	ExpiredAt time.Time
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Execute handlers asynchronously to avoid blocking arbitration or the
	// worker pool on a slow subscriber.
	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				_ = err
			}
		}(handler)
	}
}

// PublishOrderCancelled publishes an order cancelled event.
func (m *Manager) PublishOrderCancelled(ctx context.Context, event models.CancellationEvent) {
	m.Publish(ctx, EventOrderCancelled, OrderCancelledData{Event: event})
}

// PublishOfferCreated publishes an offer created event.
func (m *Manager) PublishOfferCreated(ctx context.Context, offer models.Offer, notification models.OfferNotification) {
	m.Publish(ctx, EventOfferCreated, OfferCreatedData{
		Offer:        offer,
		Notification: notification,
	})
}

// PublishOfferSold publishes an offer sold event.
func (m *Manager) PublishOfferSold(ctx context.Context, offerID, winnerID string, winningTimestamp int64, soldAt time.Time) {
	m.Publish(ctx, EventOfferSold, OfferSoldData{
		OfferID:          offerID,
		WinnerID:         winnerID,
		WinningTimestamp: winningTimestamp,
		SoldAt:           soldAt,
	})
}

// PublishOfferExpired publishes an offer expired event.
func (m *Manager) PublishOfferExpired(ctx context.Context, offerID string, expiredAt time.Time) {
	m.Publish(ctx, EventOfferExpired, OfferExpiredData{
		OfferID:   offerID,
		ExpiredAt: expiredAt,
	})
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
