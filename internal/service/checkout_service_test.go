package service

import (
	"context"
	"errors"
	"testing"

	"storefront/config"
	"storefront/internal/apiclient"
	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkoutFixture struct {
	svc     *CheckoutService
	cart    *CartService
	browser *memBrowser
	stock   *stubStock
	api     *stubCheckoutAPI
	store   *memCheckouts
	events  *recordingEvents
}

func newCheckoutFixture(simulate bool) *checkoutFixture {
	f := &checkoutFixture{
		browser: newMemBrowser(),
		stock:   &stubStock{},
		api:     &stubCheckoutAPI{},
		store:   newMemCheckouts(),
		events:  &recordingEvents{},
	}
	f.cart = NewCartService(f.browser, f.stock)
	f.svc = NewCheckoutService(f.api, f.store, f.browser, f.cart, stubIdentity{userID: 7}, f.events,
		config.CheckoutConfig{
			BankAccount:     "0010000000355",
			BankCode:        "Vietcombank",
			Gateway:         "Vietcombank",
			QRBaseURL:       "https://qr.example.test/img",
			SimulateWebhook: simulate,
		})
	return f
}

func (f *checkoutFixture) fillCart(t *testing.T, sid string) {
	t.Helper()
	_, err := f.cart.Add(context.Background(), sid, shirt, 2)
	require.NoError(t, err)
	_, err = f.cart.Add(context.Background(), sid, mug, 1)
	require.NoError(t, err)
}

func validDetails(method string) PaymentDetails {
	return PaymentDetails{
		Method:  method,
		Name:    "Lan",
		Email:   "lan@example.com",
		Phone:   "0912345678",
		Address: "12 Hang Bac, Hanoi",
	}
}

func TestPlaceOrderCreatesOrderFromCart(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")

	res, err := f.svc.PlaceOrder(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, models.CheckoutStateOrderCreated, res.Checkout.State)
	assert.Equal(t, int64(1), res.Checkout.OrderID)
	assert.Equal(t, int64(345000), res.Checkout.Amount)
	assert.Equal(t, "DH1", res.Checkout.Reference)

	require.Len(t, f.api.orders, 1)
	req := f.api.orders[0]
	assert.Equal(t, int64(7), req.UserID)
	assert.Equal(t, int64(345000), req.TotalAmount)
	assert.Len(t, req.Items, 2)

	assert.Equal(t, []string{models.EventTypeCheckoutOrderCreated}, f.events.types())
}

func TestPlaceOrderTwiceReturnsSameOrder(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	ctx := context.Background()

	first, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)
	second, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, first.Checkout.OrderID, second.Checkout.OrderID)
	assert.Len(t, f.api.orders, 1)
}

func TestPlaceOrderRejectsEmptyCart(t *testing.T) {
	f := newCheckoutFixture(true)

	_, err := f.svc.PlaceOrder(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Empty(t, f.api.orders)
}

func TestPlaceOrderStopsWhenCartAdjusted(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	f.stock.available = map[int64]int{shirt.ID: 1}

	_, err := f.svc.PlaceOrder(context.Background(), "s1")
	var adjusted *CartAdjustedError
	require.ErrorAs(t, err, &adjusted)
	assert.Equal(t, 1, adjusted.Cart.Items[0].Quantity)
	assert.Empty(t, f.api.orders)
}

func TestPlaceOrderRequiresIdentity(t *testing.T) {
	f := newCheckoutFixture(true)
	f.svc.identity = stubIdentity{err: ErrUnauthenticated}
	f.fillCart(t, "s1")

	_, err := f.svc.PlaceOrder(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, f.api.orders)
}

func TestPlaceOrderFailureStaysWithoutOrder(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	f.api.orderErr = &apiclient.APIError{Status: 500, Endpoint: "/api/orders"}

	_, err := f.svc.PlaceOrder(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrOrderCreation)

	current, err := f.svc.Current(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStateNoOrder, current.State)
}

func TestPlaceOrderBusyWhileLocked(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	_, ok, err := f.browser.AcquireLock(context.Background(), "checkout:s1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.PlaceOrder(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrCheckoutBusy)
}

func TestSubmitPaymentValidatesBeforeNetwork(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	_, err := f.svc.PlaceOrder(context.Background(), "s1")
	require.NoError(t, err)

	tests := []struct {
		name  string
		edit  func(*PaymentDetails)
		field string
	}{
		{"bad email", func(d *PaymentDetails) { d.Email = "lan@" }, "email"},
		{"short phone", func(d *PaymentDetails) { d.Phone = "091234" }, "phone"},
		{"letters in phone", func(d *PaymentDetails) { d.Phone = "09123abcde" }, "phone"},
		{"blank address", func(d *PaymentDetails) { d.Address = "   " }, "address"},
		{"unknown method", func(d *PaymentDetails) { d.Method = "crypto" }, "method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			details := validDetails(models.PaymentMethodCashOnDelivery)
			tt.edit(&details)

			_, err := f.svc.SubmitPayment(context.Background(), "s1", details)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
	assert.Empty(t, f.api.payments)
}

func TestSubmitPaymentWithoutOrder(t *testing.T) {
	f := newCheckoutFixture(true)

	_, err := f.svc.SubmitPayment(context.Background(), "s1", validDetails(models.PaymentMethodCashOnDelivery))
	assert.ErrorIs(t, err, ErrNoOrder)
}

func TestCashOnDeliveryCompletes(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)

	res, err := f.svc.SubmitPayment(ctx, "s1", validDetails(models.PaymentMethodCashOnDelivery))
	require.NoError(t, err)

	assert.Equal(t, models.CheckoutStateCompleted, res.Checkout.State)
	assert.Equal(t, "/order-success?order_id=1", res.Redirect)
	assert.Nil(t, res.Transfer)

	require.Len(t, f.api.payments, 1)
	assert.Equal(t, int64(345000), f.api.payments[0].Amount)
	assert.Empty(t, f.api.webhooks)

	items, err := f.cart.Items(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.Equal(t, []string{
		models.EventTypeCheckoutOrderCreated,
		models.EventTypeCheckoutPaymentSubmitted,
		models.EventTypeCheckoutCompleted,
	}, f.events.types())
}

func TestBankTransferWithSimulatedWebhook(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)

	res, err := f.svc.SubmitPayment(ctx, "s1", validDetails(models.PaymentMethodBankTransfer))
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStateCompleted, res.Checkout.State)
	assert.Equal(t, "/order-success?order_id=1", res.Redirect)

	require.Len(t, f.api.webhooks, 1)
	hook := f.api.webhooks[0]
	assert.Equal(t, "DH1", hook.Content)
	assert.Equal(t, int64(345000), hook.TransferAmount)
	assert.Equal(t, "in", hook.TransferType)
	assert.Equal(t, "0010000000355", hook.AccountNumber)
}

func TestBankTransferWebhookFailureKeepsSubmittedState(t *testing.T) {
	f := newCheckoutFixture(true)
	f.fillCart(t, "s1")
	f.api.webhookErr = errBoom
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)

	res, err := f.svc.SubmitPayment(ctx, "s1", validDetails(models.PaymentMethodBankTransfer))
	assert.ErrorIs(t, err, ErrTransferConfirmation)
	require.NotNil(t, res)
	require.NotNil(t, res.Transfer)
	assert.Equal(t, "DH1", res.Transfer.Reference)

	current, err := f.svc.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatePaymentSubmitted, current.State)

	items, err := f.cart.Items(ctx, "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, items)

	f.api.webhookErr = nil
	res, err = f.svc.ConfirmTransfer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStateCompleted, res.Checkout.State)
	assert.Len(t, f.api.payments, 1)
}

func TestBankTransferInstructionsWithoutSimulation(t *testing.T) {
	f := newCheckoutFixture(false)
	f.fillCart(t, "s1")
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)

	res, err := f.svc.SubmitPayment(ctx, "s1", validDetails(models.PaymentMethodBankTransfer))
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatePaymentSubmitted, res.Checkout.State)
	assert.Empty(t, res.Redirect)
	assert.Empty(t, f.api.webhooks)

	require.NotNil(t, res.Transfer)
	assert.Equal(t, int64(345000), res.Transfer.Amount)
	assert.Equal(t,
		"https://qr.example.test/img?acc=0010000000355&amount=345000&bank=Vietcombank&des=DH1",
		res.Transfer.QRCodeURL)

	again, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, res.Checkout.OrderID, again.Checkout.OrderID)
	assert.NotNil(t, again.Transfer)
}

func TestCompleteOrderClearsCartOnce(t *testing.T) {
	f := newCheckoutFixture(false)
	f.fillCart(t, "s1")
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)
	_, err = f.svc.SubmitPayment(ctx, "s1", validDetails(models.PaymentMethodBankTransfer))
	require.NoError(t, err)

	redirect, cleared, err := f.svc.CompleteOrder(ctx, 1)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Equal(t, "/order-success?order_id=1", redirect)

	_, err = f.cart.Add(ctx, "s1", mug, 1)
	require.NoError(t, err)

	redirect, cleared, err = f.svc.CompleteOrder(ctx, 1)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, "/order-success?order_id=1", redirect)

	items, err := f.cart.Items(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, items, 1, "a later cart survives a repeated confirmation")
}

func TestCompleteOrderUnknownOrder(t *testing.T) {
	f := newCheckoutFixture(false)

	redirect, cleared, err := f.svc.CompleteOrder(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, "/order-success?order_id=99", redirect)
}

func TestFailOrderMarksCheckoutFailed(t *testing.T) {
	f := newCheckoutFixture(false)
	f.fillCart(t, "s1")
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, f.svc.FailOrder(ctx, 1, models.PaymentStatusFailed))

	current, err := f.svc.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStateFailed, current.State)

	res, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Checkout.OrderID, "a failed checkout can start over")
}

func TestCompleteOrderOnlyFromSubmittedPayment(t *testing.T) {
	f := newCheckoutFixture(false)
	f.fillCart(t, "s1")
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)

	redirect, cleared, err := f.svc.CompleteOrder(ctx, 1)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, "/order-success?order_id=1", redirect)

	current, err := f.svc.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStateOrderCreated, current.State)

	require.NoError(t, f.svc.FailOrder(ctx, 1, models.PaymentStatusFailed))
	_, cleared, err = f.svc.CompleteOrder(ctx, 1)
	require.NoError(t, err)
	assert.False(t, cleared)

	current, err = f.svc.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStateFailed, current.State)

	items, err := f.cart.Items(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCancelOrderProxiesAndFailsCheckout(t *testing.T) {
	f := newCheckoutFixture(false)
	f.fillCart(t, "s1")
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelOrder(ctx, "s1", 1))

	assert.Equal(t, []int64{1}, f.api.cancelled)
	current, err := f.svc.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStateFailed, current.State)
}

func TestHistoryNeverNil(t *testing.T) {
	f := newCheckoutFixture(false)

	orders, err := f.svc.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)

	f.api.history = []models.Order{{ID: 7, TotalAmount: 120000}}
	orders, err = f.svc.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(7), orders[0].ID)
}

func TestPublishFailureDoesNotBreakCheckout(t *testing.T) {
	f := newCheckoutFixture(true)
	f.events.err = errors.New("broker down")
	f.fillCart(t, "s1")

	_, err := f.svc.PlaceOrder(context.Background(), "s1")
	assert.NoError(t, err)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{
		"phone": "Phone number must be exactly 10 digits",
		"email": "Please enter a valid email address",
	}}
	assert.Equal(t, "Please enter a valid email address; Phone number must be exactly 10 digits", err.Error())
}
