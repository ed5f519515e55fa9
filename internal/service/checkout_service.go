package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"storefront/config"
	"storefront/internal/apiclient"
	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	checkoutLockTTL   = 30 * time.Second
	lockRetryInterval = 100 * time.Millisecond
)

var (
	ErrEmptyCart            = errors.New("your cart is empty")
	ErrNoOrder              = errors.New("no order has been placed yet")
	ErrCheckoutBusy         = errors.New("checkout is already in progress")
	ErrOrderCreation        = errors.New("could not create order, please try again")
	ErrPaymentSubmission    = errors.New("could not submit payment, please try again")
	ErrTransferConfirmation = errors.New("could not confirm bank transfer, please try again")
)

// ValidationError carries per-field messages for user input
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return strings.Join(msgs, "; ")
}

// CartAdjustedError stops a checkout whose cart no longer matches stock. The
// cart has already been updated; the user reviews it and retries.
type CartAdjustedError struct {
	Cart *CartView
}

func (e *CartAdjustedError) Error() string {
	return "cart updated to match stock: " + e.Cart.Notice
}

// CheckoutAPI is the part of the storefront API used by checkout
type CheckoutAPI interface {
	CreateOrder(ctx context.Context, req *apiclient.CreateOrderRequest) (*models.Order, error)
	CreatePayment(ctx context.Context, req *apiclient.CreatePaymentRequest) (*models.Payment, error)
	PostBankWebhook(ctx context.Context, hook *apiclient.BankWebhook) error
	History(ctx context.Context) ([]models.Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
}

// CheckoutStore persists checkout records
type CheckoutStore interface {
	GetCheckout(ctx context.Context, sessionID string) (*models.Checkout, error)
	GetCheckoutByOrderID(ctx context.Context, orderID int64) (*models.Checkout, error)
	SaveCheckout(ctx context.Context, checkout *models.Checkout) error
}

// Locker serialises checkout steps of one session
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// CheckoutEvents receives checkout lifecycle events
type CheckoutEvents interface {
	PublishCheckoutEvent(ctx context.Context, event *models.CheckoutEvent) error
}

// Identity resolves the user behind a session
type Identity interface {
	UserID(ctx context.Context, sid string) (int64, error)
}

// PaymentDetails is the contact form submitted with a payment
type PaymentDetails struct {
	Method  string `json:"method" validate:"required,oneof=cash_on_delivery bank_transfer"`
	Name    string `json:"name"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone" validate:"required,len=10,number"`
	Address string `json:"address" validate:"required"`
	Note    string `json:"note"`
}

var detailMessages = map[string]string{
	"Method":  "Please choose a payment method",
	"Email":   "Please enter a valid email address",
	"Phone":   "Phone number must be exactly 10 digits",
	"Address": "Please enter a delivery address",
}

// TransferInstructions tell the user how to pay by bank transfer
type TransferInstructions struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Account   string `json:"account"`
	Bank      string `json:"bank"`
	QRCodeURL string `json:"qr_code_url"`
}

// CheckoutResult is the outcome of a checkout step
type CheckoutResult struct {
	Checkout *models.Checkout      `json:"checkout"`
	Transfer *TransferInstructions `json:"transfer,omitempty"`
	Redirect string                `json:"redirect,omitempty"`
}

// CheckoutService drives a session through order creation and payment
type CheckoutService struct {
	api      CheckoutAPI
	store    CheckoutStore
	locker   Locker
	cart     *CartService
	identity Identity
	events   CheckoutEvents
	cfg      config.CheckoutConfig
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	lockWait time.Duration
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	api CheckoutAPI,
	store CheckoutStore,
	locker Locker,
	cart *CartService,
	identity Identity,
	events CheckoutEvents,
	cfg config.CheckoutConfig,
) *CheckoutService {
	return &CheckoutService{
		api:      api,
		store:    store,
		locker:   locker,
		cart:     cart,
		identity: identity,
		events:   events,
		cfg:      cfg,
		validate: validator.New(),
		logger:   util.GetLogger(),
		now:      time.Now,
		lockWait: checkoutLockTTL,
	}
}

// OrderSuccessPath is where a completed checkout lands
func OrderSuccessPath(orderID int64) string {
	return fmt.Sprintf("/order-success?order_id=%d", orderID)
}

// TransferReference is the memo a bank transfer for orderID must carry
func TransferReference(orderID int64) string {
	return fmt.Sprintf("DH%d", orderID)
}

// Current returns the checkout record of a session
func (s *CheckoutService) Current(ctx context.Context, sid string) (*models.Checkout, error) {
	checkout, err := s.store.GetCheckout(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout: %w", err)
	}
	if checkout == nil {
		return &models.Checkout{SessionID: sid, State: models.CheckoutStateNoOrder}, nil
	}
	return checkout, nil
}

// PlaceOrder creates the order for the cart. A session that already owns a
// live order gets that order back.
func (s *CheckoutService) PlaceOrder(ctx context.Context, sid string) (*CheckoutResult, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "CheckoutService.PlaceOrder")
	defer span.End()

	unlock, err := s.lock(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	checkout, err := s.Current(ctx, sid)
	if err != nil {
		return nil, err
	}
	if checkout.InProgress() {
		s.logger.Info("Reusing order in progress",
			zap.String("sid", sid),
			zap.Int64("order_id", checkout.OrderID),
			zap.String("state", checkout.State))
		return s.resume(checkout), nil
	}

	cart, err := s.cart.Revalidate(ctx, sid)
	if err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("order", "stock_check").Inc()
		util.RecordError(span, err)
		return nil, err
	}
	if cart.Notice != "" {
		util.CheckoutFailuresTotal.WithLabelValues("order", "cart_adjusted").Inc()
		return nil, &CartAdjustedError{Cart: cart}
	}
	if len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}

	userID, err := s.identity.UserID(ctx, sid)
	if err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("order", "unauthenticated").Inc()
		return nil, err
	}

	req := &apiclient.CreateOrderRequest{
		UserID:      userID,
		Items:       make([]apiclient.OrderLine, 0, len(cart.Items)),
		TotalAmount: cart.Total,
	}
	for _, item := range cart.Items {
		req.Items = append(req.Items, apiclient.OrderLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}

	order, err := s.api.CreateOrder(ctx, req)
	if err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("order", "api").Inc()
		util.RecordError(span, err)
		s.logger.Error("Failed to create order", zap.String("sid", sid), zap.Error(err))
		if errors.Is(err, apiclient.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrOrderCreation, err)
	}

	amount := order.TotalAmount
	if amount == 0 {
		amount = cart.Total
	}
	checkout = &models.Checkout{
		SessionID: sid,
		OrderID:   order.ID,
		State:     models.CheckoutStateOrderCreated,
		Amount:    amount,
		Reference: TransferReference(order.ID),
	}
	if err := s.store.SaveCheckout(ctx, checkout); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to save checkout: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("sid", sid),
		zap.Int64("order_id", order.ID),
		zap.Int64("amount", amount))
	s.publish(ctx, checkout, models.EventTypeCheckoutOrderCreated)

	return &CheckoutResult{Checkout: checkout}, nil
}

// SubmitPayment validates the contact details and creates the payment for
// the session's order. Cash on delivery completes right away; bank transfer
// returns the transfer instructions.
func (s *CheckoutService) SubmitPayment(ctx context.Context, sid string, details PaymentDetails) (*CheckoutResult, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "CheckoutService.SubmitPayment")
	defer span.End()

	details.Email = strings.TrimSpace(details.Email)
	details.Phone = strings.TrimSpace(details.Phone)
	details.Address = strings.TrimSpace(details.Address)
	if err := s.validateDetails(&details); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	checkout, err := s.Current(ctx, sid)
	if err != nil {
		return nil, err
	}
	switch checkout.State {
	case models.CheckoutStateOrderCreated:
	case models.CheckoutStatePaymentSubmitted:
		return s.resume(checkout), nil
	default:
		return nil, ErrNoOrder
	}

	payment, err := s.api.CreatePayment(ctx, &apiclient.CreatePaymentRequest{
		OrderID: checkout.OrderID,
		Method:  details.Method,
		Amount:  checkout.Amount,
		Name:    details.Name,
		Email:   details.Email,
		Phone:   details.Phone,
		Address: details.Address,
		Note:    details.Note,
	})
	if err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("payment", "api").Inc()
		util.RecordError(span, err)
		s.logger.Error("Failed to create payment",
			zap.String("sid", sid),
			zap.Int64("order_id", checkout.OrderID),
			zap.Error(err))
		if errors.Is(err, apiclient.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPaymentSubmission, err)
	}

	checkout.PaymentID = payment.ID
	checkout.Method = details.Method
	checkout.State = models.CheckoutStatePaymentSubmitted
	if err := s.store.SaveCheckout(ctx, checkout); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to save checkout: %w", err)
	}

	util.PaymentsSubmittedTotal.WithLabelValues(details.Method).Inc()
	s.publish(ctx, checkout, models.EventTypeCheckoutPaymentSubmitted)

	if details.Method == models.PaymentMethodCashOnDelivery {
		return s.complete(ctx, checkout)
	}

	result := &CheckoutResult{Checkout: checkout, Transfer: s.instructions(checkout)}
	if !s.cfg.SimulateWebhook {
		return result, nil
	}
	if err := s.simulateTransfer(ctx, checkout); err != nil {
		util.RecordError(span, err)
		return result, err
	}
	return s.complete(ctx, checkout)
}

// ConfirmTransfer re-sends the bank notification for a submitted transfer
func (s *CheckoutService) ConfirmTransfer(ctx context.Context, sid string) (*CheckoutResult, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "CheckoutService.ConfirmTransfer")
	defer span.End()

	unlock, err := s.lock(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	checkout, err := s.Current(ctx, sid)
	if err != nil {
		return nil, err
	}
	if checkout.State == models.CheckoutStateCompleted {
		return &CheckoutResult{Checkout: checkout, Redirect: OrderSuccessPath(checkout.OrderID)}, nil
	}
	if checkout.State != models.CheckoutStatePaymentSubmitted || checkout.Method != models.PaymentMethodBankTransfer {
		return nil, ErrNoOrder
	}

	if err := s.simulateTransfer(ctx, checkout); err != nil {
		util.RecordError(span, err)
		return &CheckoutResult{Checkout: checkout, Transfer: s.instructions(checkout)}, err
	}
	return s.complete(ctx, checkout)
}

// CompleteOrder marks the paid checkout owning orderID completed and clears
// its cart. Only a checkout in payment-submitted moves; any other state is
// left untouched and false is reported, so the cart is cleared only once
// however many times the confirmation arrives. While a checkout step of the
// session holds the lock, CompleteOrder waits for it; if the lock is still
// held after the wait it fails so the event can be handled again.
func (s *CheckoutService) CompleteOrder(ctx context.Context, orderID int64) (string, bool, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CompleteOrder")
	defer span.End()

	redirect := OrderSuccessPath(orderID)

	checkout, err := s.store.GetCheckoutByOrderID(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return "", false, fmt.Errorf("failed to load checkout: %w", err)
	}
	if checkout == nil || !checkout.InProgress() {
		s.logger.Debug("Payment confirmed for order without open checkout", zap.Int64("order_id", orderID))
		return redirect, false, nil
	}

	// a step still running may be about to submit the payment
	unlock, err := s.waitLock(ctx, checkout.SessionID)
	if err != nil {
		util.RecordError(span, err)
		return "", false, err
	}
	defer unlock()

	checkout, err = s.store.GetCheckoutByOrderID(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return "", false, fmt.Errorf("failed to load checkout: %w", err)
	}
	if checkout == nil || checkout.State != models.CheckoutStatePaymentSubmitted {
		if checkout != nil && checkout.State == models.CheckoutStateOrderCreated {
			s.logger.Warn("Ignoring payment confirmation for unpaid order",
				zap.String("sid", checkout.SessionID),
				zap.Int64("order_id", orderID))
		}
		return redirect, false, nil
	}

	if _, err := s.complete(ctx, checkout); err != nil {
		util.RecordError(span, err)
		return "", false, err
	}
	return redirect, true, nil
}

// FailOrder records a terminal payment status for orderID
func (s *CheckoutService) FailOrder(ctx context.Context, orderID int64, status string) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.FailOrder")
	defer span.End()

	checkout, err := s.store.GetCheckoutByOrderID(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to load checkout: %w", err)
	}
	if checkout == nil || !checkout.InProgress() {
		return nil
	}

	checkout.State = models.CheckoutStateFailed
	if err := s.store.SaveCheckout(ctx, checkout); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to save checkout: %w", err)
	}

	util.CheckoutFailuresTotal.WithLabelValues("payment", status).Inc()
	s.logger.Warn("Checkout payment did not succeed",
		zap.String("sid", checkout.SessionID),
		zap.Int64("order_id", orderID),
		zap.String("status", status))
	return nil
}

// History lists the orders of the session's user
func (s *CheckoutService) History(ctx context.Context, sid string) ([]models.Order, error) {
	ctx = util.WithSessionID(ctx, sid)
	orders, err := s.api.History(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load order history: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// CancelOrder cancels an order of the session's user
func (s *CheckoutService) CancelOrder(ctx context.Context, sid string, orderID int64) error {
	ctx = util.WithSessionID(ctx, sid)
	if err := s.api.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}

	checkout, err := s.store.GetCheckoutByOrderID(ctx, orderID)
	if err != nil || checkout == nil || !checkout.InProgress() {
		return nil
	}
	checkout.State = models.CheckoutStateFailed
	if err := s.store.SaveCheckout(ctx, checkout); err != nil {
		s.logger.Warn("Failed to mark cancelled checkout", zap.Int64("order_id", orderID), zap.Error(err))
	}
	return nil
}

func (s *CheckoutService) complete(ctx context.Context, checkout *models.Checkout) (*CheckoutResult, error) {
	if err := s.cart.Clear(ctx, checkout.SessionID); err != nil {
		return nil, err
	}

	checkout.State = models.CheckoutStateCompleted
	if err := s.store.SaveCheckout(ctx, checkout); err != nil {
		return nil, fmt.Errorf("failed to save checkout: %w", err)
	}

	util.CheckoutsCompletedTotal.WithLabelValues(checkout.Method).Inc()
	s.logger.Info("Checkout completed",
		zap.String("sid", checkout.SessionID),
		zap.Int64("order_id", checkout.OrderID),
		zap.String("method", checkout.Method))
	s.publish(ctx, checkout, models.EventTypeCheckoutCompleted)

	return &CheckoutResult{Checkout: checkout, Redirect: OrderSuccessPath(checkout.OrderID)}, nil
}

func (s *CheckoutService) resume(checkout *models.Checkout) *CheckoutResult {
	result := &CheckoutResult{Checkout: checkout}
	if checkout.State == models.CheckoutStatePaymentSubmitted && checkout.Method == models.PaymentMethodBankTransfer {
		result.Transfer = s.instructions(checkout)
	}
	return result
}

func (s *CheckoutService) simulateTransfer(ctx context.Context, checkout *models.Checkout) error {
	hook := &apiclient.BankWebhook{
		Gateway:         s.cfg.Gateway,
		TransactionDate: s.now().Format("2006-01-02 15:04:05"),
		AccountNumber:   s.cfg.BankAccount,
		Content:         checkout.Reference,
		TransferType:    "in",
		TransferAmount:  checkout.Amount,
		ReferenceCode:   uuid.NewString(),
	}
	if err := s.api.PostBankWebhook(ctx, hook); err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("transfer", "webhook").Inc()
		s.logger.Error("Bank transfer confirmation failed",
			zap.Int64("order_id", checkout.OrderID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTransferConfirmation, err)
	}
	return nil
}

func (s *CheckoutService) instructions(checkout *models.Checkout) *TransferInstructions {
	q := url.Values{}
	q.Set("acc", s.cfg.BankAccount)
	q.Set("bank", s.cfg.BankCode)
	q.Set("amount", strconv.FormatInt(checkout.Amount, 10))
	q.Set("des", checkout.Reference)

	return &TransferInstructions{
		Amount:    checkout.Amount,
		Reference: checkout.Reference,
		Account:   s.cfg.BankAccount,
		Bank:      s.cfg.BankCode,
		QRCodeURL: s.cfg.QRBaseURL + "?" + q.Encode(),
	}
}

func (s *CheckoutService) validateDetails(details *PaymentDetails) error {
	err := s.validate.Struct(details)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate payment details: %w", err)
	}

	verr := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		verr.Fields[strings.ToLower(fe.Field())] = detailMessages[fe.Field()]
	}
	return verr
}

func (s *CheckoutService) lock(ctx context.Context, sid string) (func(), error) {
	key := "checkout:" + sid
	token, ok, err := s.locker.AcquireLock(ctx, key, checkoutLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire checkout lock: %w", err)
	}
	if !ok {
		return nil, ErrCheckoutBusy
	}
	return func() {
		if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
			s.logger.Warn("Failed to release checkout lock", zap.String("sid", sid), zap.Error(err))
		}
	}, nil
}

// waitLock retries lock until it is free, ctx ends or lockWait passes
func (s *CheckoutService) waitLock(ctx context.Context, sid string) (func(), error) {
	deadline := time.NewTimer(s.lockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		unlock, err := s.lock(ctx, sid)
		if !errors.Is(err, ErrCheckoutBusy) {
			return unlock, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, err
		case <-ticker.C:
		}
	}
}

func (s *CheckoutService) publish(ctx context.Context, checkout *models.Checkout, eventType string) {
	if s.events == nil {
		return
	}
	event := &models.CheckoutEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: eventType,
			Timestamp: s.now(),
		},
		SessionID: checkout.SessionID,
		OrderID:   checkout.OrderID,
		PaymentID: checkout.PaymentID,
		Method:    checkout.Method,
		Amount:    checkout.Amount,
		State:     checkout.State,
	}
	if err := s.events.PublishCheckoutEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish checkout event",
			zap.String("type", eventType),
			zap.Int64("order_id", checkout.OrderID),
			zap.Error(err))
	}
}
