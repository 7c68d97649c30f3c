package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_ratelimit_decisions_total",
		Help: "Rate limiter decisions by result (admitted, denied, bypass)",
	}, []string{"result"})

	gaugeKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawphone_ratelimit_keys",
		Help: "Keys tracked by the rate limiter after the last prune",
	})
)
