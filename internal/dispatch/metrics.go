package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDispatched counts sink deliveries by outcome.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_events_dispatched_total",
		Help: "Total number of event deliveries per sink",
	}, []string{"event", "sink", "status"})

	// QueueDropped counts events dropped before delivery, by reason (full, closed).
	QueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_dispatch_queue_dropped_total",
		Help: "Total number of events dropped because the dispatch queue was full or closed",
	}, []string{"reason"})

	// SinkDuration measures a single Send call.
	SinkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "funnel_sink_send_duration_seconds",
		Help:    "Duration of one delivery to one sink in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	// QueueDepth is the number of events waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "funnel_dispatch_queue_depth",
		Help: "Current number of events waiting in the dispatch queue",
	})
)
