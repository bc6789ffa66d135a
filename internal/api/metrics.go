package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facegate_backend_requests_total",
		Help: "Backend API requests by path and HTTP status",
	}, []string{"path", "status"}) // status=<code>|error

	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facegate_backend_request_duration_seconds",
		Help:    "Backend API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)
