package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOutcome identifies how the query cache answered a read.
type CacheOutcome string

const (
	// CacheFresh indicates the read was served from a fresh entry.
	CacheFresh CacheOutcome = "fresh"
	// CacheStale indicates a stale value was served while a refetch was scheduled.
	CacheStale CacheOutcome = "stale"
	// CacheMiss indicates the read started a network fetch.
	CacheMiss CacheOutcome = "miss"
	// CacheJoined indicates the read joined an in-flight fetch.
	CacheJoined CacheOutcome = "joined"
	// CacheError indicates the read surfaced a cached error.
	CacheError CacheOutcome = "error"
)

// EvictionReason labels why an entry left the cache.
type EvictionReason string

const (
	// EvictionInvalidated marks entries dropped by a mutation invalidation.
	EvictionInvalidated EvictionReason = "invalidated"
	// EvictionCollected marks entries removed by garbage collection.
	EvictionCollected EvictionReason = "gc"
)

// Recorder publishes Prometheus metrics for request and cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheReads   *prometheus.CounterVec
	cacheFetches *prometheus.CounterVec
	cacheRetries *prometheus.CounterVec
	cacheEvicted *prometheus.CounterVec
	mutations    *prometheus.CounterVec
	hitRatio     prometheus.GaugeFunc
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer. When store is set its rolling hit ratio is
// exported as a gauge.
func NewRecorder(reg *prometheus.Registry, store *Store) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querykit",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "HTTP exchanges issued by the request client.",
	}, []string{"method", "resource", "status_code", "cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querykit",
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for request client exchanges.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method", "resource"})

	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querykit",
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "Query cache reads by outcome.",
	}, []string{"resource", "outcome"})

	cacheFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querykit",
		Subsystem: "cache",
		Name:      "fetches_total",
		Help:      "Query cache fetches by terminal result.",
	}, []string{"resource", "result"})

	cacheRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querykit",
		Subsystem: "cache",
		Name:      "retries_total",
		Help:      "Fetch attempts repeated under the retry policy.",
	}, []string{"resource"})

	cacheEvicted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querykit",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed from the query cache.",
	}, []string{"reason"})

	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querykit",
		Subsystem: "mutation",
		Name:      "dispatched_total",
		Help:      "Mutations dispatched by outcome.",
	}, []string{"method", "resource", "outcome"})

	reg.MustRegister(requests, requestLatency, cacheReads, cacheFetches, cacheRetries, cacheEvicted, mutations)

	rec := &Recorder{
		gatherer:       reg,
		requests:       requests,
		requestLatency: requestLatency,
		cacheReads:     cacheReads,
		cacheFetches:   cacheFetches,
		cacheRetries:   cacheRetries,
		cacheEvicted:   cacheEvicted,
		mutations:      mutations,
	}
	if store != nil {
		rec.hitRatio = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "querykit",
			Subsystem: "performance",
			Name:      "cache_hit_ratio",
			Help:      "Intermediary cache hit ratio over the rolling sample window.",
		}, func() float64 { return store.Snapshot().CacheHitRate })
		reg.MustRegister(rec.hitRatio)
	}
	rec.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return rec
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a completed request client exchange. A zero status
// code marks a transport failure.
func (r *Recorder) ObserveRequest(method, url string, statusCode int, cacheHit bool, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := normalizeLabel(strings.ToUpper(method))
	resourceLabel := ResourceLabel(url)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "transport_error"
	}
	cacheLabel := "miss"
	if cacheHit {
		cacheLabel = "hit"
	}
	r.requests.WithLabelValues(methodLabel, resourceLabel, statusLabel, cacheLabel).Inc()
	r.requestLatency.WithLabelValues(methodLabel, resourceLabel).Observe(duration.Seconds())
}

// ObserveCacheRead records how the query cache answered a read.
func (r *Recorder) ObserveCacheRead(path string, outcome CacheOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(CacheMiss)
	}
	r.cacheReads.WithLabelValues(ResourceLabel(path), label).Inc()
}

// ObserveFetch records the terminal result of a cache fetch.
func (r *Recorder) ObserveFetch(path string, ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	r.cacheFetches.WithLabelValues(ResourceLabel(path), result).Inc()
}

// ObserveRetry records one repeated fetch attempt.
func (r *Recorder) ObserveRetry(path string) {
	if r == nil {
		return
	}
	r.cacheRetries.WithLabelValues(ResourceLabel(path)).Inc()
}

// ObserveEviction records entries leaving the cache.
func (r *Recorder) ObserveEviction(reason EvictionReason, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.cacheEvicted.WithLabelValues(normalizeLabel(string(reason))).Add(float64(count))
}

// ObserveMutation records a dispatched mutation.
func (r *Recorder) ObserveMutation(method, url string, ok bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	r.mutations.WithLabelValues(normalizeLabel(strings.ToUpper(method)), ResourceLabel(url), outcome).Inc()
}

// ResourceLabel reduces a URL or key path to its first two path segments so
// identifiers never become label values.
func ResourceLabel(url string) string {
	path := url
	if idx := strings.Index(path, "://"); idx >= 0 {
		path = path[idx+3:]
		if slash := strings.Index(path, "/"); slash >= 0 {
			path = path[slash:]
		} else {
			path = "/"
		}
	}
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	joined := strings.Join(parts, "/")
	if joined == "" {
		return "/"
	}
	return "/" + joined
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
