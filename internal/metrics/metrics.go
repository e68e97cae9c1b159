package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbox_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Exchange metrics
	CodesRedeemed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbox_codes_redeemed_total",
			Help: "Activation codes redeemed directly (not via trades)",
		},
	)

	ListingsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbox_listings_published_total",
			Help: "Exchange listings published",
		},
	)

	TradesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbox_trades_completed_total",
			Help: "Trades settled by the executor",
		},
		[]string{"path"}, // "accept" or "direct"
	)

	TradeConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbox_trade_conflicts_total",
			Help: "Trades lost to a concurrent settlement",
		},
		[]string{"kind"}, // "listing_not_tradable" or "code_no_longer_eligible"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbox_rate_limit_hits_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
	)
)
