package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_transport_connections_active",
			Help: "Open HTTP/2 connections",
		},
	)

	streamsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_transport_streams_accepted_total",
			Help: "Inbound streams admitted for processing",
		},
	)

	streamsIgnoredDraining = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_transport_streams_ignored_draining_total",
			Help: "Inbound streams silently dropped after the final GOAWAY",
		},
	)

	drainsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_transport_drains_started_total",
			Help: "Graceful drain handshakes initiated",
		},
	)

	drainsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_transport_drains_completed_total",
			Help: "Graceful drain handshakes that reached the final GOAWAY",
		},
	)
)
