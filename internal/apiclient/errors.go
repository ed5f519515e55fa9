package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned for a missing, invalid or expired token
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientStock marks a stock check that cannot cover the request
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrNotFound is returned for 404 responses
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx response from the storefront API
type APIError struct {
	Status   int
	Endpoint string
	Message  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// StockError carries the stock the server reported as available
type StockError struct {
	ProductID int64
	Requested int
	Available int
	Message   string
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// errorBody is the error envelope the API uses
type errorBody struct {
	Message           string `json:"message"`
	Error             string `json:"error"`
	AvailableQuantity *int   `json:"available_quantity"`
}

func (b errorBody) text() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Error
}
