package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storefront/internal/apiclient"
	"storefront/internal/models"
)

// memBrowser stands in for the Redis-backed local and cookie storage
type memBrowser struct {
	mu      sync.Mutex
	items   map[string]string
	cookies map[string]string
	locks   map[string]string
	failGet error
	seq     int
}

func newMemBrowser() *memBrowser {
	return &memBrowser{
		items:   make(map[string]string),
		cookies: make(map[string]string),
		locks:   make(map[string]string),
	}
}

func (m *memBrowser) GetItem(_ context.Context, sid, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return "", false, m.failGet
	}
	v, ok := m.items[sid+":"+key]
	return v, ok, nil
}

func (m *memBrowser) SetItem(_ context.Context, sid, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sid+":"+key] = value
	return nil
}

func (m *memBrowser) RemoveItem(_ context.Context, sid, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sid+":"+key)
	return nil
}

func (m *memBrowser) GetCookie(_ context.Context, sid, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cookies[sid+":"+name]
	return v, ok, nil
}

func (m *memBrowser) SetCookie(_ context.Context, sid, name, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies[sid+":"+name] = value
	return nil
}

func (m *memBrowser) DeleteCookie(_ context.Context, sid, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cookies, sid+":"+name)
	return nil
}

func (m *memBrowser) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return "", false, nil
	}
	m.seq++
	token := fmt.Sprintf("t%d", m.seq)
	m.locks[key] = token
	return token, true, nil
}

func (m *memBrowser) ReleaseLock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] == token {
		delete(m.locks, key)
	}
	return nil
}

// stubStock reports stock per product; products not listed are unlimited
type stubStock struct {
	available map[int64]int
	err       error
	calls     int
}

func (s *stubStock) CheckStock(_ context.Context, productID int64, quantity int) (*models.StockCheck, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	avail, limited := s.available[productID]
	if limited && quantity > avail {
		return nil, &apiclient.StockError{ProductID: productID, Requested: quantity, Available: avail}
	}
	return &models.StockCheck{ProductID: productID, Available: true, AvailableQuantity: avail}, nil
}

type stubCheckoutAPI struct {
	mu          sync.Mutex
	nextOrderID int64
	orders      []*apiclient.CreateOrderRequest
	payments    []*apiclient.CreatePaymentRequest
	webhooks    []*apiclient.BankWebhook
	cancelled   []int64
	history     []models.Order
	orderErr    error
	paymentErr  error
	webhookErr  error
	onWebhook   func()
}

func (s *stubCheckoutAPI) CreateOrder(_ context.Context, req *apiclient.CreateOrderRequest) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	s.nextOrderID++
	s.orders = append(s.orders, req)
	return &models.Order{
		ID:          s.nextOrderID,
		UserID:      req.UserID,
		TotalAmount: req.TotalAmount,
		Status:      models.OrderStatusPending,
	}, nil
}

func (s *stubCheckoutAPI) CreatePayment(_ context.Context, req *apiclient.CreatePaymentRequest) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paymentErr != nil {
		return nil, s.paymentErr
	}
	s.payments = append(s.payments, req)
	return &models.Payment{
		ID:      int64(len(s.payments)) + 100,
		OrderID: req.OrderID,
		Method:  req.Method,
		Status:  models.PaymentStatusPending,
		Amount:  req.Amount,
	}, nil
}

func (s *stubCheckoutAPI) PostBankWebhook(_ context.Context, hook *apiclient.BankWebhook) error {
	s.mu.Lock()
	s.webhooks = append(s.webhooks, hook)
	err, during := s.webhookErr, s.onWebhook
	s.mu.Unlock()

	if during != nil {
		during()
	}
	return err
}

func (s *stubCheckoutAPI) History(context.Context) ([]models.Order, error) {
	return s.history, nil
}

func (s *stubCheckoutAPI) CancelOrder(_ context.Context, orderID int64) error {
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

// memCheckouts stands in for the Postgres store
type memCheckouts struct {
	mu        sync.Mutex
	bySession map[string]models.Checkout
	processed map[string]string
}

func newMemCheckouts() *memCheckouts {
	return &memCheckouts{
		bySession: make(map[string]models.Checkout),
		processed: make(map[string]string),
	}
}

func (m *memCheckouts) GetCheckout(_ context.Context, sid string) (*models.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySession[sid]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memCheckouts) GetCheckoutByOrderID(_ context.Context, orderID int64) (*models.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.bySession {
		if c.OrderID == orderID {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memCheckouts) SaveCheckout(_ context.Context, c *models.Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySession[c.SessionID] = *c
	return nil
}

func (m *memCheckouts) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *memCheckouts) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = eventType
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.CheckoutEvent
	err    error
}

func (r *recordingEvents) PublishCheckoutEvent(_ context.Context, e *models.CheckoutEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type stubIdentity struct {
	userID int64
	err    error
}

func (s stubIdentity) UserID(context.Context, string) (int64, error) {
	return s.userID, s.err
}

type stubAuthAPI struct {
	primed      int
	loginResult *apiclient.AuthResult
	loginErr    error
	user        *models.User
	userErr     error
	userCalls   int
	logoutErr   error
	logouts     int
}

func (s *stubAuthAPI) PrimeCSRF(context.Context) error {
	s.primed++
	return nil
}

func (s *stubAuthAPI) Login(context.Context, string, string) (*apiclient.AuthResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthAPI) Register(context.Context, *apiclient.RegisterRequest) (*apiclient.AuthResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthAPI) Logout(context.Context) error {
	s.logouts++
	return s.logoutErr
}

func (s *stubAuthAPI) CurrentUser(context.Context) (*models.User, error) {
	s.userCalls++
	return s.user, s.userErr
}

var errBoom = errors.New("boom")
