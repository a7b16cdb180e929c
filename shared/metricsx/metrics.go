package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sibol_backend_requests_total",
			Help: "Calls made to the SIBOL backend by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sibol_backend_request_duration_seconds",
			Help:    "SIBOL backend call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	ticketSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_submissions_total",
			Help: "Ticket submissions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	refreshFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_refresh_failures_total",
			Help: "Read-only refetches that degraded to an empty collection.",
		},
		[]string{"collection"},
	)
	orphanUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_orphan_uploads_total",
			Help: "Uploads left without attachment metadata, by cleanup outcome.",
		},
		[]string{"outcome"},
	)
	activityPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maintenance_activity_publish_failures_total",
			Help: "Ticket activity messages that failed to publish.",
		},
	)
	kafkaLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic and group.",
		},
		[]string{"topic", "group"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpLatency, backendRequests, backendLatency, ticketSubmissions, refreshFailures, orphanUploads, activityPublishFailures, kafkaLag, asynqQueueDepth)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument labels requests by chi route pattern so ticket ids do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func ObserveBackendCall(op string, outcome string, d time.Duration) {
	backendRequests.WithLabelValues(op, outcome).Inc()
	backendLatency.WithLabelValues(op).Observe(d.Seconds())
}

func IncSubmission(kind string, outcome string) {
	ticketSubmissions.WithLabelValues(kind, outcome).Inc()
}

func IncRefreshFailure(collection string) {
	refreshFailures.WithLabelValues(collection).Inc()
}

func IncOrphanUpload(outcome string) {
	orphanUploads.WithLabelValues(outcome).Inc()
}

func IncActivityPublishFailure() {
	activityPublishFailures.Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
