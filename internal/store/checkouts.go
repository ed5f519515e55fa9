package store

import (
	"context"
	"database/sql"
	"errors"

	"storefront/internal/models"
)

// GetCheckout returns the checkout of a browser session, or nil when none exists
func (s *Store) GetCheckout(ctx context.Context, sessionID string) (*models.Checkout, error) {
	var checkout models.Checkout
	err := s.db.GetContext(ctx, &checkout, "SELECT * FROM checkouts WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// GetCheckoutByOrderID returns the checkout that owns an order, or nil
func (s *Store) GetCheckoutByOrderID(ctx context.Context, orderID int64) (*models.Checkout, error) {
	var checkout models.Checkout
	err := s.db.GetContext(ctx, &checkout,
		"SELECT * FROM checkouts WHERE order_id = $1 ORDER BY updated_at DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// SaveCheckout upserts the checkout of a browser session
func (s *Store) SaveCheckout(ctx context.Context, checkout *models.Checkout) error {
	query := `
		INSERT INTO checkouts (session_id, order_id, payment_id, method, state, amount, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			payment_id = EXCLUDED.payment_id,
			method = EXCLUDED.method,
			state = EXCLUDED.state,
			amount = EXCLUDED.amount,
			reference = EXCLUDED.reference,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		checkout.SessionID, checkout.OrderID, checkout.PaymentID, checkout.Method,
		checkout.State, checkout.Amount, checkout.Reference,
	).Scan(&checkout.CreatedAt, &checkout.UpdatedAt)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
