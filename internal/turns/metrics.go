package turns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_turns_total",
		Help: "Turn lifecycle events (created, superseded, completed, complete_missed, swept)",
	}, []string{"event"})

	metricPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_turn_polls_total",
		Help: "Poll outcomes",
	}, []string{"outcome"})

	metricTurnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clawphone_turn_delivery_ms",
		Help:    "Time from turn creation to reply delivery (ms)",
		Buckets: prometheus.ExponentialBuckets(250, 1.8, 10),
	})

	gaugeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawphone_turns_active",
		Help: "Turns waiting for the agent",
	})
)
