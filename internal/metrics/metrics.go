// Package metrics exposes Prometheus metrics for the entitlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transaction feed metrics
	TransactionsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitled_transactions_processed_total",
			Help: "Total transactions observed on the update feed by result",
		},
		[]string{"result"}, // processed, verification_failed
	)

	FeedReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitled_feed_reconnects_total",
			Help: "Total reconnect attempts to the platform transaction feed",
		},
	)

	// Purchase metrics
	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitled_purchases_total",
			Help: "Total purchase attempts by outcome",
		},
		[]string{"outcome"}, // success, cancelled, pending, failed, verification_failed, error
	)

	// Platform request metrics
	PlatformRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitled_platform_requests_total",
			Help: "Total requests to the platform purchase service by operation and status",
		},
		[]string{"op", "status"}, // status: ok, error
	)

	// Entitlement state metrics
	CatalogProducts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitled_catalog_products",
			Help: "Number of tracked subscription products after the last product request",
		},
	)

	SubscriptionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entitled_subscription_state",
			Help: "Current subscription group state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
)

// subscriptionStates are the states tracked by the SubscriptionState gauge.
var subscriptionStates = []string{
	"subscribed", "expired", "revoked", "in_grace_period", "in_billing_retry", "unknown",
}

// RecordTransactionProcessed records one feed delivery.
func RecordTransactionProcessed(result string) {
	TransactionsProcessedTotal.WithLabelValues(result).Inc()
}

// RecordFeedReconnect records a feed reconnect attempt.
func RecordFeedReconnect() {
	FeedReconnectsTotal.Inc()
}

// RecordPurchase records a purchase attempt outcome.
func RecordPurchase(outcome string) {
	PurchasesTotal.WithLabelValues(outcome).Inc()
}

// RecordPlatformRequest records a bounded platform call.
func RecordPlatformRequest(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	PlatformRequestsTotal.WithLabelValues(op, status).Inc()
}

// SetCatalogProducts records the tracked product count.
func SetCatalogProducts(n int) {
	CatalogProducts.Set(float64(n))
}

// SetSubscriptionState flips the state gauge so exactly one state reads 1.
func SetSubscriptionState(state string) {
	if state == "" {
		state = "unknown"
	}
	for _, s := range subscriptionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SubscriptionState.WithLabelValues(s).Set(v)
	}
}
