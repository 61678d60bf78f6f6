package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	unitsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_units_enqueued_total",
			Help: "Work units accepted by the dispatch engine by source",
		},
		[]string{"source"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Dispatch events published to the inbound broker by outcome",
		},
		[]string{"outcome"},
	)

	batchesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_batches_dispatched_total",
			Help: "Batches claimed for dispatch by trigger",
		},
		[]string{"trigger"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_batch_size",
			Help:    "Number of work units per claimed batch",
			Buckets: []float64{1, 5, 10, 20, 40, 60, 80, 100},
		},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_batch_duration_seconds",
			Help:    "Time from claim to commit of a batch by outcome",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"outcome"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Outbound delivery attempts by status",
		},
		[]string{"status"},
	)

	deliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_latency_seconds",
			Help:    "Time from enqueue to delivery result",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	persistenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_persistence_batches_total",
			Help: "Batch persistence attempts by outcome",
		},
		[]string{"outcome"},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dead_lettered_total",
			Help: "Work units routed to a dead-letter sink by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)

	unitsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_units_abandoned_total",
			Help: "Work units left uncommitted for redelivery",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_idempotency_hits_total",
			Help: "Work units discarded as duplicates",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "API requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	activeDestinations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_destinations",
			Help: "Destinations with a running dispatch loop",
		},
	)

	permitsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_permits_in_use",
			Help: "Delivery permits currently held across all destinations",
		},
	)

	permitPools = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_permit_pools",
			Help: "Per-destination permit pools currently registered",
		},
	)

	messagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ingest_messages_in_flight",
			Help: "Inbound messages handed to the engine and not yet committed",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_state",
			Help: "Circuit breaker state per destination (0 closed, 1 half-open, 2 open)",
		},
		[]string{"destination_id"},
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

// RecordUnitEnqueued records a work unit accepted by the engine.
func RecordUnitEnqueued(source string) {
	unitsEnqueued.WithLabelValues(source).Inc()
}

// RecordEventPublished records an API publish to the inbound broker.
func RecordEventPublished(outcome string) {
	eventsPublished.WithLabelValues(outcome).Inc()
}

// RecordBatchDispatched records a claimed batch and its size.
func RecordBatchDispatched(trigger string, size int) {
	batchesDispatched.WithLabelValues(trigger).Inc()
	batchSize.Observe(float64(size))
}

// RecordBatchDuration records claim-to-commit time.
func RecordBatchDuration(outcome string, d time.Duration) {
	batchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordDelivery records one outbound send and its end-to-end latency.
func RecordDelivery(status string, latency time.Duration) {
	deliveriesTotal.WithLabelValues(status).Inc()
	deliveryLatency.Observe(latency.Seconds())
}

// RecordPersistence records a batch write outcome.
func RecordPersistence(outcome string) {
	persistenceTotal.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter records a dead-letter publish.
func RecordDeadLetter(sink, outcome string) {
	deadLettered.WithLabelValues(sink, outcome).Inc()
}

// RecordUnitsAbandoned records units left for broker redelivery.
func RecordUnitsAbandoned(n int) {
	unitsAbandoned.Add(float64(n))
}

// RecordIdempotencyHit records a duplicate discarded before delivery.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

func SetActiveDestinations(n int) {
	activeDestinations.Set(float64(n))
}

func SetPermitPools(n int) {
	permitPools.Set(float64(n))
}

// AddPermitsInUse moves the held-permit gauge on every acquire and release.
func AddPermitsInUse(delta int64) {
	permitsInUse.Add(float64(delta))
}

func AddMessagesInFlight(delta int) {
	messagesInFlight.Add(float64(delta))
}

// SetCircuitState records a breaker transition for one destination.
func SetCircuitState(destinationID string, state int) {
	circuitState.WithLabelValues(destinationID).Set(float64(state))
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

// Middleware records request metrics labelled by chi route pattern so
// path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
