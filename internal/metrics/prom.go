package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrpc_requests_total",
			Help: "XRPC requests handled, by method and response status",
		},
		[]string{"nsid", "status"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xrpc_rate_limited_total",
			Help: "Requests rejected by rate limiting",
		},
	)

	subscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xrpc_subscriptions_active",
			Help: "Open subscription connections",
		},
	)

	framesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xrpc_frames_sent_total",
			Help: "Subscription frames written to clients",
		},
	)
)

// Register registers the engine's collectors.
func Register(r prometheus.Registerer) {
	r.MustRegister(requestsTotal, rateLimitedTotal, subscriptionsActive, framesSentTotal)
}

// ObserveRequest records one handled request.
func ObserveRequest(nsid string, status int) {
	requestsTotal.WithLabelValues(nsid, strconv.Itoa(status)).Inc()
}

// ObserveRateLimited records a 429 rejection.
func ObserveRateLimited() { rateLimitedTotal.Inc() }

// SubscriptionOpened tracks a new subscription connection.
func SubscriptionOpened() { subscriptionsActive.Inc() }

// SubscriptionClosed tracks a finished subscription connection.
func SubscriptionClosed() { subscriptionsActive.Dec() }

// FrameSent counts one written frame.
func FrameSent() { framesSentTotal.Inc() }
