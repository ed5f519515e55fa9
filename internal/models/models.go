package models

import "time"

// Product represents a catalog product as served by the storefront API
type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	Quantity    int       `json:"quantity"`
	CategoryID  int64     `json:"category_id,omitempty"`
	Image       string    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Category groups products
type Category struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// User is the authenticated customer or staff member
type User struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	RoleID  int64  `json:"role_id,omitempty"`
}

// Role is a user role shown by the admin screens
type Role struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Account is a login account listed on the admin dashboard
type Account struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Status string `json:"status,omitempty"`
}

// CartItem is one line item of the browser cart.
// Total always equals Price * Quantity.
type CartItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	Total     int64  `json:"total"`
}

// Recalculate refreshes Total from Price and Quantity
func (ci *CartItem) Recalculate() {
	ci.Total = ci.Price * int64(ci.Quantity)
}

// StockCheck is the response of the stock-check endpoint
type StockCheck struct {
	ProductID         int64 `json:"product_id"`
	Available         bool  `json:"available"`
	AvailableQuantity int   `json:"available_quantity"`
}

// Order represents a customer order
type Order struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id"`
	Items       []OrderItem `json:"items,omitempty"`
	TotalAmount int64       `json:"total_amount"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	User        *User       `json:"user,omitempty"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64 `json:"id,omitempty"`
	OrderID   int64 `json:"order_id,omitempty"`
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	Price     int64 `json:"price"`
}

// Payment represents a payment attached to an order
type Payment struct {
	ID              int64     `json:"id"`
	OrderID         int64     `json:"order_id"`
	Method          string    `json:"method"`
	Status          string    `json:"status"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	Amount          int64     `json:"amount"`
	ReferenceNumber string    `json:"reference_number,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// AuditLog is a back-office audit trail record
type AuditLog struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity,omitempty"`
	EntityID  int64     `json:"entity_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is an inbound bank transaction recorded by the backend
type Transaction struct {
	ID              int64     `json:"id"`
	Gateway         string    `json:"gateway"`
	AccountNumber   string    `json:"account_number"`
	Content         string    `json:"content"`
	TransferAmount  int64     `json:"transfer_amount"`
	ReferenceNumber string    `json:"reference_number,omitempty"`
	TransactionDate time.Time `json:"transaction_date"`
}

// Feedback is a product review
type Feedback struct {
	ID        int64  `json:"id,omitempty"`
	ProductID int64  `json:"product_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

// Revenue is one point of the revenue report
type Revenue struct {
	Period string `json:"period"`
	Total  int64  `json:"total"`
}

// Checkout tracks the checkout state machine for one browser session
type Checkout struct {
	SessionID string    `db:"session_id" json:"-"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	PaymentID int64     `db:"payment_id" json:"payment_id,omitempty"`
	Method    string    `db:"method" json:"method,omitempty"`
	State     string    `db:"state" json:"state"`
	Amount    int64     `db:"amount" json:"amount"`
	Reference string    `db:"reference" json:"reference,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Checkout states
const (
	CheckoutStateNoOrder          = "no-order"
	CheckoutStateOrderCreated     = "order-created"
	CheckoutStatePaymentSubmitted = "payment-submitted"
	CheckoutStateCompleted        = "completed"
	CheckoutStateFailed           = "failed"
)

// InProgress reports whether the checkout already owns a live order
func (c *Checkout) InProgress() bool {
	return c.State == CheckoutStateOrderCreated || c.State == CheckoutStatePaymentSubmitted
}

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
	OrderStatusRefunded  = "refunded"
)

// Payment methods
const (
	PaymentMethodCashOnDelivery = "cash_on_delivery"
	PaymentMethodBankTransfer   = "bank_transfer"
)

// Payment statuses
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusFailed    = "failed"
)
