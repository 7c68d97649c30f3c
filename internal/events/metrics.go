package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_events_total",
		Help: "Exchange events recorded by type",
	}, []string{"type"})

	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawphone_events_subscriber_dropped_total",
		Help: "Events not delivered to a live subscriber because its buffer was full",
	})

	gaugeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawphone_events_subscribers",
		Help: "Connected live event subscribers",
	})
)
