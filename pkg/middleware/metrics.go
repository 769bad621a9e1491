package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/psui-dev/psui/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "psui").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "psui",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus metrics for the engine.
type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	patchesSent     prometheus.Counter
	patchesBuffered prometheus.Counter
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	targetsInvalid  prometheus.Counter
	channelAttaches prometheus.Counter
}

var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of HTTP requests processed",
			ConstLabels: config.ConstLabels,
		}, []string{"path", "method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"path"}),

		patchesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "patches_sent_total",
			Help:        "Total number of patches emitted to push channels",
			ConstLabels: config.ConstLabels,
		}),

		patchesBuffered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "patches_buffered_total",
			Help:        "Total number of patches buffered while no channel was attached",
			ConstLabels: config.ConstLabels,
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of tracked sessions",
			ConstLabels: config.ConstLabels,
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_created_total",
			Help:        "Total number of sessions created",
			ConstLabels: config.ConstLabels,
		}),

		targetsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "targets_invalidated_total",
			Help:        "Total number of client-reported dead targets",
			ConstLabels: config.ConstLabels,
		}),

		channelAttaches: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "channel_attaches_total",
			Help:        "Total number of push channel attachments",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// statusRecorder captures the response status for labelling.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// Prometheus creates middleware that records request counts and
// latencies for every HTTP request through the server, internal
// endpoints included.
//
// Metrics collected:
//   - psui_requests_total: Counter of requests by path, method, status
//   - psui_request_duration_seconds: Histogram of request duration
//   - psui_active_sessions / psui_sessions_created_total: via InstrumentSessions
//   - psui_patches_sent_total: via RecordPatches
//
// Example:
//
//	app := server.New(nil)
//	app.Use(middleware.Prometheus(middleware.WithNamespace("myapp")))
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) server.Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "" {
				path = "/"
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r)

			m.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
			m.requestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		})
	}
}

// InstrumentSessions wires the session gauges to a session manager's
// lifecycle callbacks. Call once after Prometheus() has initialized the
// metrics.
func InstrumentSessions(sm *server.SessionManager) {
	if globalMetrics == nil {
		return
	}
	m := globalMetrics

	sm.OnSessionCreate(func(*server.Session) {
		m.activeSessions.Inc()
		m.sessionsTotal.Inc()
	})
	sm.OnSessionClose(func(*server.Session) {
		m.activeSessions.Dec()
	})
}

// RecordPatches records patches emitted to push channels.
func RecordPatches(count int) {
	if globalMetrics != nil {
		globalMetrics.patchesSent.Add(float64(count))
	}
}

// RecordPatchBuffered records a patch buffered while detached.
func RecordPatchBuffered() {
	if globalMetrics != nil {
		globalMetrics.patchesBuffered.Inc()
	}
}

// RecordTargetInvalidated records a client-reported dead target.
func RecordTargetInvalidated() {
	if globalMetrics != nil {
		globalMetrics.targetsInvalid.Inc()
	}
}

// RecordChannelAttach records a push channel attachment.
func RecordChannelAttach() {
	if globalMetrics != nil {
		globalMetrics.channelAttaches.Inc()
	}
}
