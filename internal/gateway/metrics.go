package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facegate_gateway_sessions",
		Help: "Open browser sessions",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facegate_gateway_messages_total",
		Help: "Inbound browser messages by type",
	}, []string{"type"})
)
