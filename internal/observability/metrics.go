package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/radar-overlay-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Object storage call rate by operation (list, download). Watch for: error vs success ratio.
	StorageCallsTotal *prometheus.CounterVec

	// Object storage latency. Volume downloads are several MB; watch p95 against request timeout.
	StorageDuration *prometheus.HistogramVec

	// Retry attempts against object storage. Watch for: high retries = unstable upstream.
	StorageRetriesTotal *prometheus.CounterVec

	// Overlay cache hits by backend. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Overlay cache misses by backend.
	CacheMissesTotal *prometheus.CounterVec

	// Cache errors by operation (get, set) and type (timeout, connection, decode, unknown).
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency. Watch for: memcached/redis slowness showing up in request latency.
	CacheOperationDuration *prometheus.HistogramVec

	// Cache warming runs, failed runs and run latency.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Overlay requests that joined an in-flight compute instead of starting one.
	RequestCoalescingHitsTotal prometheus.Counter

	// Volume downloads avoided by the per-site decoded volume memo.
	VolumeMemoHitsTotal prometheus.Counter

	// Overlay pipeline runs by outcome (ok or error category).
	PipelineRunsTotal *prometheus.CounterVec

	// Overlay pipeline stage latency (decode, project, filter, cluster, contour).
	PipelineStageDuration *prometheus.HistogramVec

	// Clusters whose contour geometry failed and were skipped.
	GeometryFailuresTotal *prometheus.CounterVec

	// Stream iterations by outcome (broadcast, unchanged, error).
	StreamIterationsTotal *prometheus.CounterVec

	// Current stream subscribers.
	StreamSubscribers prometheus.Gauge

	// Messages dropped because a subscriber buffer was full.
	StreamDroppedTotal prometheus.Counter

	// Overlay queries by site (allow-list; others go to "other").
	OverlayQueriesBySiteTotal *prometheus.CounterVec

	// Kafka publish outcomes.
	PublishTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping between open and half-open.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Requests still in flight when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	trackedSitesMu sync.RWMutex
	trackedSites   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	StorageCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageCallsTotal",
			Help: "Total number of object storage calls",
		},
		[]string{"op", "status"},
	)
	StorageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storageDurationSeconds",
			Help:    "Object storage latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"op", "status"},
	)
	StorageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageRetriesTotal",
			Help: "Total number of retry attempts for object storage calls",
		},
		[]string{"op"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of overlay cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of overlay cache misses",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of overlay cache errors",
		},
		[]string{"operation", "errorType"},
	)
	CacheOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Overlay cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"operation", "status"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed entry",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run latency in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Overlay requests served by joining an in-flight compute",
		},
	)
	VolumeMemoHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volumeMemoHitsTotal",
			Help: "Volume downloads avoided by the decoded volume memo",
		},
	)
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelineRunsTotal",
			Help: "Overlay pipeline runs by outcome",
		},
		[]string{"outcome"},
	)
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipelineStageDurationSeconds",
			Help:    "Overlay pipeline stage latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"stage"},
	)
	GeometryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geometryFailuresTotal",
			Help: "Clusters skipped because contour geometry failed",
		},
		[]string{"band"},
	)
	StreamIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamIterationsTotal",
			Help: "Streaming poll iterations by outcome",
		},
		[]string{"outcome"},
	)
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamSubscribers",
			Help: "Number of connected stream subscribers",
		},
	)
	StreamDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamDroppedTotal",
			Help: "Stream messages dropped because a subscriber buffer was full",
		},
	)
	OverlayQueriesBySiteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overlayQueriesBySiteTotal",
			Help: "Overlay queries by radar site (allow-list; others use site=other)",
		},
		[]string{"site"},
	)
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publishTotal",
			Help: "Overlay messages published to Kafka by status",
		},
		[]string{"status"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "HTTP requests in flight when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		StorageCallsTotal, StorageDuration, StorageRetriesTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDuration,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RequestCoalescingHitsTotal, VolumeMemoHitsTotal,
		PipelineRunsTotal, PipelineStageDuration, GeometryFailuresTotal,
		StreamIterationsTotal, StreamSubscribers, StreamDroppedTotal,
		OverlayQueriesBySiteTotal, PublishTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal, ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with the lifecycle window.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition sets the state gauge and counts the transition.
// state is the numeric gauge value for to.
func RecordCircuitBreakerTransition(component, from, to string, state int) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// RecordShutdownInFlight records how many requests were in flight when shutdown began.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// SetTrackedSites sets the allow-list for per-site metrics. Other sites increment "other".
func SetTrackedSites(sites []string) {
	trackedSitesMu.Lock()
	defer trackedSitesMu.Unlock()
	trackedSites = make(map[string]struct{}, len(sites))
	for _, s := range sites {
		trackedSites[normalizeSiteForMetrics(s)] = struct{}{}
	}
}

// RecordOverlayQuery records an overlay query for the given site.
func RecordOverlayQuery(site string) {
	s := normalizeSiteForMetrics(site)
	trackedSitesMu.RLock()
	_, ok := trackedSites[s]
	trackedSitesMu.RUnlock()
	if ok {
		OverlayQueriesBySiteTotal.WithLabelValues(s).Inc()
	} else {
		OverlayQueriesBySiteTotal.WithLabelValues("other").Inc()
	}
}

// ObserveStage records the duration of one pipeline stage since start.
func ObserveStage(stage string, start time.Time) {
	PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func normalizeSiteForMetrics(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
