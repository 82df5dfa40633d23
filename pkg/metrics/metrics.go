package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antbs_builds_total",
			Help: "Total number of builds by result",
		},
		[]string{"result"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "antbs_build_duration_seconds",
			Help:    "Package build duration in seconds",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400},
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antbs_queue_depth",
			Help: "Number of jobs waiting in each queue",
		},
		[]string{"queue"},
	)

	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antbs_queue_jobs_total",
			Help: "Total number of queue jobs by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// Webhook metrics
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antbs_webhook_events_total",
			Help: "Total number of webhook events by source",
		},
		[]string{"source"},
	)

	// Repo metrics
	RepoPackages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antbs_repo_packages",
			Help: "Number of packages per repo as seen by each index source",
		},
		[]string{"repo", "source"},
	)

	// Live output metrics
	SSEClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antbs_sse_clients",
			Help: "Connected SSE clients by channel",
		},
		[]string{"channel"},
	)

	// Upstream monitor metrics
	UpstreamChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antbs_upstream_checks_total",
			Help: "Total number of upstream change checks by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueJobsTotal)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(RepoPackages)
	prometheus.MustRegister(SSEClients)
	prometheus.MustRegister(UpstreamChecksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
