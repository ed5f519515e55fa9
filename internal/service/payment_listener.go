package service

import (
	"context"
	"fmt"
	"sync"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

const subscriptionBuffer = 8

// EventLedger remembers which events were already handled
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// OrderCompleter applies terminal payment outcomes to checkouts
type OrderCompleter interface {
	CompleteOrder(ctx context.Context, orderID int64) (string, bool, error)
	FailOrder(ctx context.Context, orderID int64, status string) error
}

// Subscription receives payment updates for one order until closed
type Subscription struct {
	orderID  int64
	events   chan models.PaymentUpdate
	done     chan struct{}
	listener *PaymentListener
	once     sync.Once
}

// Events returns the update stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan models.PaymentUpdate {
	return s.events
}

// OrderID is the order this subscription watches
func (s *Subscription) OrderID() int64 {
	return s.orderID
}

// Close ends the subscription; safe to call more than once
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.listener.remove(s)
	})
}

// PaymentListener fans payment.updated events out to the views waiting on
// them
type PaymentListener struct {
	ledger    EventLedger
	completer OrderCompleter
	logger    *zap.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewPaymentListener creates a new payment listener
func NewPaymentListener(ledger EventLedger, completer OrderCompleter) *PaymentListener {
	return &PaymentListener{
		ledger:    ledger,
		completer: completer,
		logger:    util.GetLogger(),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe starts watching orderID. The subscription ends when ctx is done
// or Close is called.
func (l *PaymentListener) Subscribe(ctx context.Context, orderID int64) *Subscription {
	sub := &Subscription{
		orderID:  orderID,
		events:   make(chan models.PaymentUpdate, subscriptionBuffer),
		done:     make(chan struct{}),
		listener: l,
	}

	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	util.RealtimeSubscribers.Inc()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

// HandlePaymentUpdated processes one event from the payments channel
func (l *PaymentListener) HandlePaymentUpdated(ctx context.Context, event *models.PaymentUpdatedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentListener.HandlePaymentUpdated")
	defer span.End()

	util.PaymentEventsTotal.WithLabelValues(event.Status).Inc()

	if event.EventID != "" {
		processed, err := l.ledger.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			util.RecordError(span, err)
			return fmt.Errorf("failed to check event: %w", err)
		}
		if processed {
			l.logger.Debug("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	l.logger.Info("Payment status received",
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", event.OrderID),
		zap.String("status", event.Status))

	for _, orderID := range l.targets(event.OrderID) {
		update := models.PaymentUpdate{OrderID: orderID, Status: event.Status}

		switch event.Status {
		case models.PaymentStatusCompleted:
			redirect, cleared, err := l.completer.CompleteOrder(ctx, orderID)
			if err != nil {
				util.RecordError(span, err)
				return fmt.Errorf("failed to complete order %d: %w", orderID, err)
			}
			update.Redirect = redirect
			if cleared {
				l.logger.Info("Order completed from payment event", zap.Int64("order_id", orderID))
			}

		case models.PaymentStatusFailed, models.PaymentStatusCancelled:
			if err := l.completer.FailOrder(ctx, orderID, event.Status); err != nil {
				util.RecordError(span, err)
				return fmt.Errorf("failed to fail order %d: %w", orderID, err)
			}
		}

		l.deliver(update)
	}

	if event.EventID != "" {
		if err := l.ledger.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			util.RecordError(span, err)
			return fmt.Errorf("failed to mark event as processed: %w", err)
		}
	}
	return nil
}

// targets lists the orders an event applies to. An event that names no order
// goes to every subscribed order.
func (l *PaymentListener) targets(orderID int64) []int64 {
	if orderID != 0 {
		return []int64{orderID}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[int64]struct{})
	var ids []int64
	for sub := range l.subs {
		if _, ok := seen[sub.orderID]; ok {
			continue
		}
		seen[sub.orderID] = struct{}{}
		ids = append(ids, sub.orderID)
	}
	return ids
}

func (l *PaymentListener) deliver(update models.PaymentUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for sub := range l.subs {
		if sub.orderID != update.OrderID {
			continue
		}
		select {
		case sub.events <- update:
		default:
			l.logger.Warn("Dropping payment update for slow subscriber",
				zap.Int64("order_id", update.OrderID),
				zap.String("status", update.Status))
		}
	}
}

func (l *PaymentListener) remove(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[sub]; !ok {
		return
	}
	delete(l.subs, sub)
	close(sub.events)
	util.RealtimeSubscribers.Dec()
}

// Subscribers returns the number of open subscriptions
func (l *PaymentListener) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
