package cachedb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	occupied  prometheus.Gauge
	entries   prometheus.Gauge
}

// newMetrics creates the cache collectors. With a nil registerer the
// collectors work but are not exported anywhere.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "stash_cache_hits_total",
			Help: "Cache lookups answered from either tier.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stash_cache_misses_total",
			Help: "Cache lookups answered with a miss.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "stash_cache_evictions_total",
			Help: "Entries evicted from the full tier by the byte budget.",
		}),
		occupied: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stash_cache_occupied_bytes",
			Help: "Bytes accounted to stored values.",
		}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stash_cache_entries",
			Help: "Entries in the full tier.",
		}),
	}
}
