package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"storefront/internal/models"
)

// AuthResult is returned by login and register
type AuthResult struct {
	Token       string       `json:"token"`
	AccessToken string       `json:"access_token"`
	User        *models.User `json:"user"`
}

// BearerToken returns whichever token field the API filled in
func (r *AuthResult) BearerToken() string {
	if r.Token != "" {
		return r.Token
	}
	return r.AccessToken
}

// RegisterRequest is the payload of /api/register
type RegisterRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Phone                string `json:"phone,omitempty"`
	Address              string `json:"address,omitempty"`
}

// OrderLine is one line of an order creation request
type OrderLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	Price     int64 `json:"price"`
}

// CreateOrderRequest is the payload of POST /api/orders
type CreateOrderRequest struct {
	UserID      int64       `json:"user_id"`
	Items       []OrderLine `json:"items"`
	TotalAmount int64       `json:"total_amount"`
}

// CreatePaymentRequest is the payload of POST /api/payments
type CreatePaymentRequest struct {
	OrderID int64  `json:"order_id"`
	Method  string `json:"method"`
	Amount  int64  `json:"amount"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Note    string `json:"note,omitempty"`
}

// BankWebhook mimics the bank gateway's server-to-server notification
type BankWebhook struct {
	Gateway         string `json:"gateway"`
	TransactionDate string `json:"transactionDate"`
	AccountNumber   string `json:"accountNumber"`
	Content         string `json:"content"`
	TransferType    string `json:"transferType"`
	TransferAmount  int64  `json:"transferAmount"`
	ReferenceCode   string `json:"referenceCode"`
}

// Login authenticates with email and password
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var res AuthResult
	err := c.Do(ctx, http.MethodPost, "/api/login", map[string]string{
		"email":    email,
		"password": password,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.BearerToken() == "" {
		return nil, errors.New("login response carried no token")
	}
	return &res, nil
}

// Register creates an account and returns its session
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*AuthResult, error) {
	var res AuthResult
	if err := c.Do(ctx, http.MethodPost, "/api/register", req, &res); err != nil {
		return nil, err
	}
	if res.BearerToken() == "" {
		return nil, errors.New("register response carried no token")
	}
	return &res, nil
}

// Logout revokes the current token
func (c *Client) Logout(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/api/logout", nil, nil)
}

// CurrentUser fetches the profile of the token owner
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.Do(ctx, http.MethodGet, "/api/users", nil, &user, "user"); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("profile response carried no user: %w", ErrUnauthorized)
	}
	return &user, nil
}

// ListProducts lists the catalog
func (c *Client) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := c.Do(ctx, http.MethodGet, "/api/products", nil, &products, "products")
	return products, err
}

// GetProduct fetches a product by id
func (c *Client) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	if err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/api/products/%d", id), nil, &product, "product"); err != nil {
		return nil, err
	}
	return &product, nil
}

// SearchProducts runs a catalog search
func (c *Client) SearchProducts(ctx context.Context, query string) ([]models.Product, error) {
	var products []models.Product
	path := "/api/products/search?query=" + url.QueryEscape(query)
	err := c.Do(ctx, http.MethodGet, path, nil, &products, "products")
	return products, err
}

// TopSelling lists the best selling products
func (c *Client) TopSelling(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := c.Do(ctx, http.MethodGet, "/api/top_selling", nil, &products, "products")
	return products, err
}

// ListCategories lists product categories
func (c *Client) ListCategories(ctx context.Context) ([]models.Category, error) {
	var categories []models.Category
	err := c.Do(ctx, http.MethodGet, "/api/categories", nil, &categories, "categories")
	return categories, err
}

// CheckStock asks whether quantity units of a product are available.
// Insufficient stock is reported as *StockError.
func (c *Client) CheckStock(ctx context.Context, productID int64, quantity int) (*models.StockCheck, error) {
	var body struct {
		Available         *bool `json:"available"`
		AvailableQuantity *int  `json:"available_quantity"`
	}
	err := c.Do(ctx, http.MethodPost, "/api/check-stock", map[string]interface{}{
		"product_id": productID,
		"quantity":   quantity,
	}, &body)

	var stockErr *StockError
	if errors.As(err, &stockErr) {
		stockErr.ProductID = productID
		stockErr.Requested = quantity
		return nil, stockErr
	}
	if err != nil {
		return nil, err
	}

	// a 2xx only refuses when it says so and reports what is left
	if body.Available != nil && !*body.Available && body.AvailableQuantity != nil {
		return nil, &StockError{ProductID: productID, Requested: quantity, Available: *body.AvailableQuantity}
	}
	res := &models.StockCheck{ProductID: productID, Available: true, AvailableQuantity: quantity}
	if body.AvailableQuantity != nil {
		res.AvailableQuantity = *body.AvailableQuantity
	}
	return res, nil
}

// CreateOrder creates an order for the cart contents
func (c *Client) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	var order models.Order
	if err := c.Do(ctx, http.MethodPost, "/api/orders", req, &order, "order"); err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, errors.New("order response carried no id")
	}
	return &order, nil
}

// CreatePayment creates the payment for an order
func (c *Client) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*models.Payment, error) {
	var payment models.Payment
	if err := c.Do(ctx, http.MethodPost, "/api/payments", req, &payment, "payment"); err != nil {
		return nil, err
	}
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}
	if payment.OrderID == 0 {
		payment.OrderID = req.OrderID
	}
	return &payment, nil
}

// PostBankWebhook posts a bank transfer notification
func (c *Client) PostBankWebhook(ctx context.Context, hook *BankWebhook) error {
	return c.Do(ctx, http.MethodPost, "/api/sepay/hook", hook, nil)
}

// History lists the orders of the current user
func (c *Client) History(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := c.Do(ctx, http.MethodGet, "/api/history", nil, &orders, "orders")
	return orders, err
}

// CancelOrder asks the backend to cancel an order
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	return c.Do(ctx, http.MethodPost, fmt.Sprintf("/api/cancel/%d", orderID), nil, nil)
}

// Feedbacks lists reviews of a product
func (c *Client) Feedbacks(ctx context.Context, productID int64) ([]models.Feedback, error) {
	var feedbacks []models.Feedback
	err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/api/feedbacks/%d", productID), nil, &feedbacks, "feedbacks")
	return feedbacks, err
}

// CreateFeedback posts a product review
func (c *Client) CreateFeedback(ctx context.Context, feedback *models.Feedback) error {
	return c.Do(ctx, http.MethodPost, "/api/feedbacks", feedback, nil)
}

// Revenue fetches the revenue report
func (c *Client) Revenue(ctx context.Context) ([]models.Revenue, error) {
	var revenue []models.Revenue
	err := c.Do(ctx, http.MethodGet, "/api/revenue", nil, &revenue, "revenue")
	return revenue, err
}
