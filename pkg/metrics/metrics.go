// Package metrics exposes Prometheus instrumentation for the dispatch
// service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP surface

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_http_requests_total",
		Help: "Total HTTP requests by method, path and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// Realtime fabric

	WebsocketConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_websocket_connections",
		Help: "Currently connected websocket clients by role.",
	}, []string{"role"})

	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_location_updates_total",
		Help: "Driver location updates accepted into the presence index.",
	})

	LocationUpdatesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_location_updates_throttled_total",
		Help: "Driver location updates dropped by rate or distance gating.",
	})

	BroadcastsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_broadcasts_sent_total",
		Help: "Driver position messages fanned out to subscribed passengers.",
	})

	// Matching

	RidesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_rides_created_total",
		Help: "Ride requests created.",
	})

	RidesByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rides_finished_total",
		Help: "Rides reaching a terminal status.",
	}, []string{"status"})

	OffersSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_sent_total",
		Help: "Timed offers sent to drivers.",
	})

	OffersByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_resolved_total",
		Help: "Offers resolved by outcome.",
	}, []string{"outcome"})

	OfferResponseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_offer_response_seconds",
		Help:    "Time between an offer being sent and the driver's answer.",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30},
	})

	SweeperExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_sweeper_expired_offers_total",
		Help: "Stale offers expired by the periodic sweeper rather than a timer.",
	})
)

// Middleware records request counts and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		httpRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
