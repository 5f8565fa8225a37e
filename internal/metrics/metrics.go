package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notifications_dispatched_total",
			Help: "Scheduled notifications resolved to a terminal status, by outcome and channel",
		},
		[]string{"status", "channel"},
	)

	notificationsRescheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_notifications_rescheduled_total",
			Help: "Notifications deferred past a recipient quiet window",
		},
	)

	bulkRecipientsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_bulk_recipients_processed_total",
			Help: "Bulk communication recipients resolved, by outcome",
		},
		[]string{"status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_delivery_latency_seconds",
			Help:    "Time spent in a single provider send",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Sends rejected by the per-channel send budget",
		},
		[]string{"function"},
	)

	webhookDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_webhook_duplicates_total",
			Help: "Webhook deliveries acknowledged without processing (already in ledger)",
		},
	)

	milestonesCelebrated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_milestones_celebrated_total",
			Help: "Streak milestones that produced a celebration",
		},
		[]string{"milestone"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "API requests served from the idempotency cache",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records a scheduled notification reaching a terminal status
func RecordDispatch(status, channel string) {
	notificationsDispatched.WithLabelValues(status, channel).Inc()
}

// RecordReschedule records a quiet-hours deferral
func RecordReschedule() {
	notificationsRescheduled.Inc()
}

// RecordBulkRecipient records one bulk recipient outcome
func RecordBulkRecipient(status string) {
	bulkRecipientsProcessed.WithLabelValues(status).Inc()
}

// RecordDeliveryLatency records time spent in a provider send
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRateLimitRejection records a rate limiter denial
func RecordRateLimitRejection(function string) {
	rateLimitRejections.WithLabelValues(function).Inc()
}

// RecordWebhookDuplicate records a deduplicated webhook delivery
func RecordWebhookDuplicate() {
	webhookDuplicates.Inc()
}

// RecordMilestoneCelebrated records a milestone crossing that fired
func RecordMilestoneCelebrated(milestone string) {
	milestonesCelebrated.WithLabelValues(milestone).Inc()
}

// RecordIdempotencyHit records a cache hit for API idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
