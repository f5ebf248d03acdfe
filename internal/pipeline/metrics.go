package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapdetect_stage_duration_seconds",
			Help:    "Duration of each detection pipeline stage in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"stage"}, // stage: acquire, preprocess, decode, detect, map
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapdetect_requests_total",
			Help: "Total number of detection requests by outcome",
		},
		[]string{"outcome"}, // outcome: ok, cancelled, not_ready, permission_denied, stale, failed
	)

	staleDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapdetect_stale_results_dropped_total",
			Help: "Results discarded because a newer request superseded them",
		},
		[]string{"stage"},
	)

	predictionsPerImage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapdetect_predictions_per_image",
			Help:    "Number of predictions returned per completed request",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)
)

// Outcome labels.
const (
	outcomeOK               = "ok"
	outcomeCancelled        = "cancelled"
	outcomeNotReady         = "not_ready"
	outcomePermissionDenied = "permission_denied"
	outcomeStale            = "stale"
	outcomeFailed           = "failed"
)
