package hpack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entryLifetime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratum_hpack_entry_lifetime_seconds",
			Help:    "Time a sampled dynamic table entry survived before eviction",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	entriesEvictedUnused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_hpack_entries_evicted_unused_total",
			Help: "Dynamic table entries evicted without ever being looked up",
		},
	)

	tableSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_hpack_table_size_bytes",
			Help: "Most recently negotiated dynamic table size",
		},
	)
)
