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
			Name: "finwatch_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finwatch_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_rule_evaluations_total",
			Help: "Rule family evaluations by result",
		},
		[]string{"family", "result"},
	)

	evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finwatch_rule_evaluation_duration_seconds",
			Help:    "Time spent evaluating and persisting one rule family",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"family"},
	)

	candidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_candidates_total",
			Help: "Candidate notifications by family and dedup outcome",
		},
		[]string{"family", "outcome"},
	)

	feedMerges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_feed_merges_total",
			Help: "Feed merge requests by insertion path and outcome",
		},
		[]string{"path", "outcome"},
	)

	feedSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finwatch_feed_size",
			Help: "Notifications currently held in the merged feed",
		},
	)

	deliveryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_delivery_decisions_total",
			Help: "Delivery gate decisions by channel",
		},
		[]string{"channel", "decision"},
	)

	deliveriesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_deliveries_sent_total",
			Help: "Delivery requests handed to a sender by status",
		},
		[]string{"channel", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finwatch_delivery_latency_seconds",
			Help:    "Time from notification creation to delivery request",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	lifecycleOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_lifecycle_ops_total",
			Help: "Lifecycle operations by op and result",
		},
		[]string{"op", "result"},
	)

	reservationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "finwatch_dedup_reservation_conflicts_total",
			Help: "Candidates dropped because another writer held the occurrence",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	guardedSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finwatch_breaker_sends_total",
			Help: "Delivery requests passed through a circuit breaker by sender, channel and outcome",
		},
		[]string{"sender", "channel", "outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finwatch_breaker_state",
			Help: "Circuit breaker state per sender (0 closed, 1 open, 2 half-open)",
		},
		[]string{"sender"},
	)

	changeFeedResubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "finwatch_change_feed_resubscribes_total",
			Help: "Times the session reopened the change-feed after it closed",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finwatch_db_connections_active",
			Help: "Active database connections",
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

// RecordEvaluation records one rule family pass
func RecordEvaluation(family, result string, duration time.Duration) {
	evaluationsTotal.WithLabelValues(family, result).Inc()
	evaluationDuration.WithLabelValues(family).Observe(duration.Seconds())
}

// RecordCandidate records what the dedup gate did with a candidate
func RecordCandidate(family, outcome string) {
	candidatesTotal.WithLabelValues(family, outcome).Inc()
}

// RecordFeedMerge records a merge into the feed view
func RecordFeedMerge(path, outcome string) {
	feedMerges.WithLabelValues(path, outcome).Inc()
}

// SetFeedSize sets the merged feed length
func SetFeedSize(n int) {
	feedSize.Set(float64(n))
}

// RecordDeliveryDecision records a delivery gate decision
func RecordDeliveryDecision(channel string, allowed bool) {
	decision := "withheld"
	if allowed {
		decision = "allowed"
	}
	deliveryDecisions.WithLabelValues(channel, decision).Inc()
}

// RecordDeliverySent records a sender result
func RecordDeliverySent(channel, status string) {
	deliveriesSent.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryLatency records creation-to-delivery time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordLifecycleOp records a lifecycle mutation result
func RecordLifecycleOp(op, result string) {
	lifecycleOps.WithLabelValues(op, result).Inc()
}

// RecordReservationConflict records a held dedup reservation
func RecordReservationConflict() {
	reservationConflicts.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// RecordGuardedSend records one delivery request seen by a circuit breaker
func RecordGuardedSend(sender, channel, outcome string) {
	guardedSends.WithLabelValues(sender, channel, outcome).Inc()
}

// SetBreakerState sets the state gauge of a sender's breaker
func SetBreakerState(sender string, state int) {
	breakerState.WithLabelValues(sender).Set(float64(state))
}

// RecordResubscribe records a change-feed reconnect
func RecordResubscribe() {
	changeFeedResubscribes.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Flush keeps server-sent event streams working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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
