package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	realtimeConnections   prometheus.Gauge
	realtimeEventsDropped prometheus.Counter
	deliveryTargetsTotal  *prometheus.CounterVec
	pushResultsTotal      *prometheus.CounterVec
	backgroundQueued      *prometheus.GaugeVec
	backgroundDropped     *prometheus.CounterVec
	retentionJobsTotal    *prometheus.CounterVec
	retentionDeletedTotal prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or any store/cache initialization
// that records metrics. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_service_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_service_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_service_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	realtimeConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_service_realtime_connections",
		Help: "Number of open realtime websocket connections on this instance",
	})

	realtimeEventsDropped = f.NewCounter(prometheus.CounterOpts{
		Name: "messenger_service_realtime_events_dropped_total",
		Help: "Realtime events dropped because a client's send buffer was full",
	})

	deliveryTargetsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_service_delivery_targets_total",
			Help: "Message recipients routed, by delivery kind",
		},
		[]string{"kind"},
	)

	pushResultsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_service_push_results_total",
			Help: "Push wake-up attempts, by result",
		},
		[]string{"result"},
	)

	backgroundQueued = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messenger_service_background_jobs_queued",
			Help: "Background jobs accepted and not yet finished, by pool",
		},
		[]string{"pool"},
	)

	backgroundDropped = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_service_background_jobs_dropped_total",
			Help: "Background jobs dropped because the pool's queue was full, by pool",
		},
		[]string{"pool"},
	)

	retentionJobsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_service_retention_jobs_total",
			Help: "Retention jobs processed, by outcome",
		},
		[]string{"outcome"},
	)

	retentionDeletedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "messenger_service_retention_deleted_messages_total",
		Help: "Messages physically deleted by retention jobs",
	})
}

// RealtimeConnectionOpened and RealtimeConnectionClosed track the websocket gauge.
func RealtimeConnectionOpened() {
	if realtimeConnections != nil {
		realtimeConnections.Inc()
	}
}

func RealtimeConnectionClosed() {
	if realtimeConnections != nil {
		realtimeConnections.Dec()
	}
}

func RealtimeEventDropped() {
	if realtimeEventsDropped != nil {
		realtimeEventsDropped.Inc()
	}
}

// CountDeliveryTargets records n recipients routed as kind (realtime, notify or push).
func CountDeliveryTargets(kind string, n int) {
	if deliveryTargetsTotal != nil && n > 0 {
		deliveryTargetsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// CountPushResult records one push attempt: sent, failed, no_token or dropped.
func CountPushResult(result string) {
	if pushResultsTotal != nil {
		pushResultsTotal.WithLabelValues(result).Inc()
	}
}

// BackgroundJobQueued and BackgroundJobDone track a pool's pending jobs.
func BackgroundJobQueued(pool string) {
	if backgroundQueued != nil {
		backgroundQueued.WithLabelValues(pool).Inc()
	}
}

func BackgroundJobDone(pool string) {
	if backgroundQueued != nil {
		backgroundQueued.WithLabelValues(pool).Dec()
	}
}

func CountBackgroundDropped(pool string) {
	if backgroundDropped != nil {
		backgroundDropped.WithLabelValues(pool).Inc()
	}
}

// CountRetentionJob records a processed retention job and how many messages it removed.
func CountRetentionJob(outcome string, deleted int) {
	if retentionJobsTotal != nil {
		retentionJobsTotal.WithLabelValues(outcome).Inc()
	}
	if retentionDeletedTotal != nil && deleted > 0 {
		retentionDeletedTotal.Add(float64(deleted))
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(duration.Seconds())
	}
}
