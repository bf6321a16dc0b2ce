package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Farm metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_builds_total",
			Help: "Total number of builds by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_queue_depth",
			Help: "Number of pending builds in the dispatch queue",
		},
	)

	// Dispatch metrics
	AssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_assignments_total",
			Help: "Total number of successful build assignments",
		},
	)

	BuildsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_builds_completed_total",
			Help: "Total number of builds completed",
		},
	)

	BuildsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_builds_failed_total",
			Help: "Total number of builds failed by reason",
		},
		[]string{"reason"},
	)

	// Artifact metrics
	UploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_upload_bytes_total",
			Help: "Total bytes streamed into artifact storage by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_api_requests_total",
			Help: "Total number of API requests by method, path and status code",
		},
		[]string{"method", "path", "code"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		WorkersTotal,
		BuildsTotal,
		QueueDepth,
		AssignmentsTotal,
		BuildsCompletedTotal,
		BuildsFailedTotal,
		UploadBytesTotal,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
