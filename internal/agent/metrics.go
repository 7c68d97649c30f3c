package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_agent_calls_total",
		Help: "Agent backend calls by backend and result (ok, error, panic, no_backend)",
	}, []string{"backend", "result"})

	metricCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clawphone_agent_call_ms",
		Help:    "Agent backend call latency (ms), slot wait excluded",
		Buckets: prometheus.ExponentialBuckets(100, 2, 12),
	}, []string{"backend"})

	metricSlotWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clawphone_agent_slot_wait_ms",
		Help:    "Time spent queued for a concurrency slot (ms)",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	metricRace = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_agent_race_total",
		Help: "Race outcomes (inline, deferred)",
	}, []string{"outcome"})

	metricCompletionPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_agent_completion_panics_total",
		Help: "Panics recovered while handing a reply on (dispatch, late)",
	}, []string{"path"})

	gaugeSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawphone_agent_slots_in_use",
		Help: "Concurrency slots currently held by backend calls",
	})

	gaugeInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawphone_agent_in_flight",
		Help: "Dispatched or abandoned calls not yet finished",
	})
)
