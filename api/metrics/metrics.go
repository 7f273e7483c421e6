package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrowd_build_info",
			Help: "Build information of the escrowd service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrowd_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Payout metrics
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_releases_total",
			Help: "Total number of milestone release attempts",
		},
		[]string{"outcome"}, // "released", "idempotent", "conflict", "underfunded", "retry", "failed"
	)

	ReleaseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escrowd_release_duration_seconds",
			Help:    "Duration of milestone release attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
	)

	AmbiguousSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_ambiguous_sends_total",
			Help: "Total number of ambiguous transfer outcomes by resolution",
		},
		[]string{"resolution"}, // "recovered", "not_found", "scan_error"
	)

	// Voting metrics
	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_votes_total",
			Help: "Total number of vote attempts",
		},
		[]string{"result"}, // "accepted", "duplicate", "ineligible", "error"
	)

	// Market-cap job metrics
	MarketCapSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_marketcap_sweeps_total",
			Help: "Total number of market-cap confirmation sweeps",
		},
	)

	MarketCapConfirmationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_marketcap_confirmations_total",
			Help: "Total number of market-cap milestones confirmed",
		},
	)

	// Claim hygiene
	AbandonedClaimsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_abandoned_claims_swept_total",
			Help: "Total number of abandoned payout claims deleted by the reaper",
		},
	)

	// Webhook metrics
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_webhook_deliveries_total",
			Help: "Total number of custodial webhook deliveries",
		},
		[]string{"status"}, // "accepted", "duplicate", "rejected"
	)

	// Price feed metrics
	PricefeedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_pricefeed_requests_total",
			Help: "Total number of price feed lookups",
		},
		[]string{"status"}, // "fresh", "cached", "stale", "error"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordRelease records a release attempt's outcome and duration.
func RecordRelease(outcome string, duration time.Duration) {
	ReleasesTotal.WithLabelValues(outcome).Inc()
	ReleaseDuration.Observe(duration.Seconds())
}

// RecordVote records a vote attempt.
func RecordVote(result string) {
	VotesTotal.WithLabelValues(result).Inc()
}

// RecordWebhookDelivery records a custodial webhook delivery.
func RecordWebhookDelivery(status string) {
	WebhookDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordMarketCapSweep records one confirmation sweep and how many
// milestones it confirmed.
func RecordMarketCapSweep(confirmed int) {
	MarketCapSweepsTotal.Inc()
	if confirmed > 0 {
		MarketCapConfirmationsTotal.Add(float64(confirmed))
	}
}

// RecordAbandonedClaimsSwept records reaper deletions.
func RecordAbandonedClaimsSwept(n int64) {
	if n > 0 {
		AbandonedClaimsSweptTotal.Add(float64(n))
	}
}
