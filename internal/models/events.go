package models

import "time"

// Event types
const (
	EventTypePaymentUpdated           = "payment.updated"
	EventTypeCheckoutOrderCreated     = "checkout.order_created"
	EventTypeCheckoutPaymentSubmitted = "checkout.payment_submitted"
	EventTypeCheckoutCompleted        = "checkout.completed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentUpdatedEvent arrives on the payments channel. Only Status is
// guaranteed; OrderID is zero when the publisher does not name an order.
type PaymentUpdatedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id,omitempty"`
	Status  string `json:"status"`
}

// PaymentUpdate is what a realtime subscriber receives
type PaymentUpdate struct {
	OrderID  int64  `json:"order_id,omitempty"`
	Status   string `json:"status"`
	Redirect string `json:"redirect,omitempty"`
}

// CheckoutEvent is published on every checkout state transition
type CheckoutEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	OrderID   int64  `json:"order_id"`
	PaymentID int64  `json:"payment_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Amount    int64  `json:"amount"`
	State     string `json:"state"`
}
