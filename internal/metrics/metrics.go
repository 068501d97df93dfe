// Package metrics defines Prometheus metrics for the proxy session
// pipeline, the response cache, and the shared worker pool. Labels are
// kept low-cardinality: method and a bounded set of outcome strings,
// never raw targets or hosts.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// sessionsTotal counts sessions by the submachine they entered and
	// how they ended.
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_sessions_total",
			Help: "Total sessions by submachine and terminal outcome",
		},
		[]string{"submachine", "outcome"},
	)
	// sessionDuration captures time from accept to session close.
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_session_duration_seconds",
			Help:    "Session duration in seconds from accept to close",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"submachine"},
	)
	// cacheResultsTotal counts GET lookups by outcome.
	cacheResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_results_total",
			Help: "Total GET cache lookups by outcome (hit_fresh, hit_stale, miss)",
		},
		[]string{"result"},
	)
	// cacheSize reports the current entry count in the shared LRU cache.
	cacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_cache_entries",
			Help: "Current number of entries held in the response cache",
		},
	)
	// cacheEvictionsTotal counts LRU evictions.
	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_evictions_total",
			Help: "Total entries evicted from the response cache",
		},
	)
	// workerPoolInflight tracks sessions currently running under the
	// shared Runtime, goroutine-per-connection with no concurrency cap.
	workerPoolInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_worker_pool_inflight",
			Help: "Number of sessions currently running under the shared Runtime",
		},
	)
	// upstreamRequestsTotal counts requests forwarded to origins by method and status.
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_upstream_requests_total",
			Help: "Total requests forwarded to origin servers by method and response status",
		},
		[]string{"method", "status"},
	)
	// upstreamRequestDuration measures origin round-trip latency.
	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_upstream_request_duration_seconds",
			Help:    "Origin round-trip duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	// tunnelBytesTotal counts bytes pumped through CONNECT tunnels by direction.
	tunnelBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_tunnel_bytes_total",
			Help: "Total bytes relayed through CONNECT tunnels by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsTotal,
		sessionDuration,
		cacheResultsTotal,
		cacheSize,
		cacheEvictionsTotal,
		workerPoolInflight,
		upstreamRequestsTotal,
		upstreamRequestDuration,
		tunnelBytesTotal,
	)
}

// ObserveSession records a terminated session's submachine and outcome
// along with its total duration.
func ObserveSession(submachine, outcome string, dur time.Duration) {
	sessionsTotal.WithLabelValues(submachine, outcome).Inc()
	sessionDuration.WithLabelValues(submachine).Observe(dur.Seconds())
}

// ObserveCacheResult records a GET cache lookup outcome: "hit_fresh",
// "hit_stale" or "miss".
func ObserveCacheResult(result string) { cacheResultsTotal.WithLabelValues(result).Inc() }

// CacheSizeSet reports the current cache occupancy.
func CacheSizeSet(n int) { cacheSize.Set(float64(n)) }

// CacheEvictionInc increments the eviction counter by one.
func CacheEvictionInc() { cacheEvictionsTotal.Inc() }

// WorkerPoolInflightInc/Dec track sessions occupying the shared pool.
func WorkerPoolInflightInc() { workerPoolInflight.Inc() }
func WorkerPoolInflightDec() { workerPoolInflight.Dec() }

// ObserveUpstreamResponse records a forwarded request's method, status
// and duration as observed by the proxy.
func ObserveUpstreamResponse(method string, status int, dur time.Duration) {
	upstreamRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	upstreamRequestDuration.WithLabelValues(method).Observe(dur.Seconds())
}

// TunnelBytesAdd adds n bytes to the counter for the given direction
// ("client_to_server" or "server_to_client").
func TunnelBytesAdd(direction string, n int) {
	tunnelBytesTotal.WithLabelValues(direction).Add(float64(n))
}
