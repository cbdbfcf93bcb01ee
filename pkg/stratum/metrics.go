package stratum

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	channelStacksBuilt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_channel_stacks_built_total",
			Help: "Total number of channel stacks constructed",
		},
	)

	channelStacksDestroyed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_channel_stacks_destroyed_total",
			Help: "Total number of channel stacks destroyed",
		},
	)

	channelInitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_channel_init_errors_total",
			Help: "Total number of filter channel-init failures",
		},
	)

	callStacksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_call_stacks_started_total",
			Help: "Total number of call stacks created",
		},
	)

	callStacksFinished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_call_stacks_finished_total",
			Help: "Total number of call stacks destroyed",
		},
	)

	callInitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_call_init_errors_total",
			Help: "Total number of filter call-init failures",
		},
	)

	callDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratum_call_duration_seconds",
			Help:    "Lifetime of a call stack from creation to destruction",
			Buckets: prometheus.DefBuckets,
		},
	)
)
