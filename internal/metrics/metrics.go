// Package metrics defines the prometheus collectors the core engine
// updates. Collector registration and HTTP exposition are the caller's
// concern (spec.md §1 scopes the HTTP surface out of the core engine);
// this package only builds and updates the collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the engine touches.
type Metrics struct {
	GapJobsCompleted          prometheus.Counter
	GapJobsFailed             prometheus.Counter
	GapJobsRequeued           prometheus.Counter
	RateLimiterWait           prometheus.Histogram
	CacheHits                 *prometheus.CounterVec
	CacheMisses               *prometheus.CounterVec
	ResolverBinarySearchCalls prometheus.Counter
}

// New builds a Metrics bundle. Callers register the returned collectors
// against a *prometheus.Registry of their choosing.
func New() *Metrics {
	return &Metrics{
		GapJobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txindex",
			Subsystem: "gapqueue",
			Name:      "jobs_completed_total",
			Help:      "Gap-fill jobs that completed successfully.",
		}),
		GapJobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txindex",
			Subsystem: "gapqueue",
			Name:      "jobs_failed_total",
			Help:      "Gap-fill jobs that exhausted their retry budget.",
		}),
		GapJobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txindex",
			Subsystem: "gapqueue",
			Name:      "jobs_requeued_total",
			Help:      "Gap-fill jobs re-chunked after a query-timeout or partial fetch.",
		}),
		RateLimiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "txindex",
			Subsystem: "ratelimit",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting to acquire the upstream rate limiter.",
			Buckets:   prometheus.DefBuckets,
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txindex",
			Subsystem: "kv",
			Name:      "cache_hits_total",
			Help:      "KV cache hits by key kind.",
		}, []string{"kind"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txindex",
			Subsystem: "kv",
			Name:      "cache_misses_total",
			Help:      "KV cache misses by key kind.",
		}, []string{"kind"}),
		ResolverBinarySearchCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txindex",
			Subsystem: "resolver",
			Name:      "binary_search_calls_total",
			Help:      "GetCode calls made while binary-searching for a contract's creation block.",
		}),
	}
}

// Collectors returns every collector for bulk registration, e.g.
// registry.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.GapJobsCompleted,
		m.GapJobsFailed,
		m.GapJobsRequeued,
		m.RateLimiterWait,
		m.CacheHits,
		m.CacheMisses,
		m.ResolverBinarySearchCalls,
	}
}
