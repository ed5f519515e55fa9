package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Total number of cart mutations",
	}, []string{"op"})

	CartStockClampsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_stock_clamps_total",
		Help: "Total number of cart quantities clamped to available stock",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_created_total",
		Help: "Total number of orders created through checkout",
	})

	PaymentsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_payments_submitted_total",
		Help: "Total number of payments submitted",
	}, []string{"method"})

	CheckoutsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_completed_total",
		Help: "Total number of completed checkouts",
	}, []string{"method"})

	CheckoutFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_failures_total",
		Help: "Total number of failed checkout steps",
	}, []string{"step", "reason"})

	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_total",
		Help: "Total number of payment.updated events received",
	}, []string{"status"})

	RealtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_payment_subscribers",
		Help: "Number of open payment status subscriptions",
	})

	SessionsRestoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_restored_total",
		Help: "Total number of session restores by outcome",
	}, []string{"outcome"})

	APIClientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_client_request_duration_seconds",
		Help:    "Latency of calls to the storefront REST API",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
