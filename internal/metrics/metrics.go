package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_scans_total",
			Help: "Total number of scans by final state",
		},
		[]string{"rule", "state"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_threatmatch_scan_duration_seconds",
			Help:    "Duration of scans in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"rule"},
	)

	// Pagination metrics
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_pages_fetched_total",
			Help: "Total number of document pages fetched",
		},
		[]string{"stream"},
	)

	PageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_page_failures_total",
			Help: "Total number of page fetches that failed",
		},
		[]string{"stream"},
	)

	DocumentsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_documents_scanned_total",
			Help: "Total number of documents read",
		},
		[]string{"stream"},
	)

	// Index metrics
	IndicatorsLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_threatmatch_indicators_loaded",
			Help: "Number of indicators in the most recent index per rule",
		},
		[]string{"rule"},
	)

	IndicatorsTruncated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_indicators_truncated_total",
			Help: "Total number of scans whose indicator index hit the cap",
		},
		[]string{"rule"},
	)

	// Matching metrics
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_matches_total",
			Help: "Total number of distinct event/indicator matches",
		},
		[]string{"rule"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_threatmatch_active_workers",
			Help: "Number of matching tasks currently running",
		},
	)

	// Delivery metrics
	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_alerts_published_total",
			Help: "Total number of alerts handed to the message bus",
		},
		[]string{"rule"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_alerts_suppressed_total",
			Help: "Total number of alerts dropped as already reported",
		},
		[]string{"rule"},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_publish_errors_total",
			Help: "Total number of failed publishes",
		},
	)

	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_runs_total",
			Help: "Total number of rule runs by outcome",
		},
		[]string{"rule", "status"},
	)

	RunsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_runs_rejected_total",
			Help: "Total number of rule runs rejected because one was already running",
		},
		[]string{"rule"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_threatmatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)
)
