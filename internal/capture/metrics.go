package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facegate_capture_transitions_total",
		Help: "Capture controller phase entries",
	}, []string{"phase"})

	captureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facegate_capture_failures_total",
		Help: "Failed captures by error kind",
	}, []string{"kind"})

	artifactBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facegate_capture_artifact_bytes",
		Help:    "Size of finalized capture artifacts",
		Buckets: prometheus.ExponentialBuckets(16<<10, 4, 8),
	}, []string{"mode"}) // mode=frames|video

	devicesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facegate_capture_devices_in_use",
		Help: "Camera streams currently held open",
	})
)
