package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Case metrics
	CasesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqic_cases_total",
			Help: "Number of cases by status",
		},
		[]string{"status"},
	)

	WorkflowsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqic_workflows_started_total",
			Help: "Total number of workflows started",
		},
	)

	WorkflowsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqic_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
	)

	WorkflowsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqic_workflows_failed_total",
			Help: "Total number of workflows failed",
		},
	)

	// GPU metrics
	GPUsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqic_gpus_total",
			Help: "Number of GPUs by status",
		},
		[]string{"status"},
	)

	GPUUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqic_gpu_utilization_percent",
			Help: "Latest reported GPU utilization",
		},
		[]string{"gpu_id"},
	)

	// Bus metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqic_messages_published_total",
			Help: "Messages published by queue",
		},
		[]string{"queue"},
	)

	MessagesDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqic_messages_dead_lettered_total",
			Help: "Messages dead-lettered by queue",
		},
		[]string{"queue"},
	)

	// Supervisor metrics
	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqic_worker_restarts_total",
			Help: "Worker restarts by worker name",
		},
		[]string{"worker"},
	)

	WorkersUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqic_worker_up",
			Help: "Whether a supervised worker is running (1 = up)",
		},
		[]string{"worker"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CasesTotal)
	prometheus.MustRegister(WorkflowsStarted)
	prometheus.MustRegister(WorkflowsCompleted)
	prometheus.MustRegister(WorkflowsFailed)
	prometheus.MustRegister(GPUsTotal)
	prometheus.MustRegister(GPUUtilization)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesDeadLettered)
	prometheus.MustRegister(WorkerRestarts)
	prometheus.MustRegister(WorkersUp)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
