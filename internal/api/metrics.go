package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})

	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_webhook_rejected_total",
		Help: "Webhooks rejected before reaching a handler (body_too_large, bad_form, bad_signature)",
	}, []string{"reason"})

	metricRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_rate_limited_total",
		Help: "Exchanges turned away by the rate limiter, by channel",
	}, []string{"channel"})

	metricSMS = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawphone_sms_replies_total",
		Help: "SMS replies by delivery path (inline, late_sent, late_failed, late_dropped)",
	}, []string{"path"})

	gaugeEventLogs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawphone_event_logs",
		Help: "Calls with a retained event log, as of the last sweep",
	})
)
