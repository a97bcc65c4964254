package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	jobTotal       *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobInFlight    prometheus.Gauge
	ingestActions  *prometheus.CounterVec
	chunksIndexed  *prometheus.CounterVec
	deliveryTotal  *prometheus.CounterVec
	failedJobTotal *prometheus.CounterVec
	queueLag       *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	jobTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total processed jobs by job name and status.",
		},
		[]string{"service", "job", "status"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docmatch",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job duration in seconds by job name and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "job", "status"},
	)
	jobInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docmatch",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of in-flight jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	ingestActions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "ingest",
			Name:      "actions_total",
			Help:      "Ingest outcomes by versioning action.",
		},
		[]string{"service", "action"},
	)
	chunksIndexed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "index",
			Name:      "chunks_total",
			Help:      "Chunks written to the vector index.",
		},
		[]string{"service"},
	)
	deliveryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "delivery",
			Name:      "transitions_total",
			Help:      "Delivery outcomes by resulting status.",
		},
		[]string{"service", "status"},
	)
	failedJobTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "ledger",
			Name:      "failed_jobs_total",
			Help:      "Jobs that ended in the failed-job ledger.",
		},
		[]string{"service", "job"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docmatch",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between revision indexing and match processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(jobTotal, jobDuration, jobInFlight, ingestActions, chunksIndexed, deliveryTotal, failedJobTotal, queueLag)

	return &WorkerMetrics{
		registry:       registry,
		jobTotal:       jobTotal,
		jobDuration:    jobDuration,
		jobInFlight:    jobInFlight,
		ingestActions:  ingestActions,
		chunksIndexed:  chunksIndexed,
		deliveryTotal:  deliveryTotal,
		failedJobTotal: failedJobTotal,
		queueLag:       queueLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob() {
	m.jobInFlight.Inc()
}

func (m *WorkerMetrics) FinishJob(service, job string, duration time.Duration, err error) {
	m.jobInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
		m.failedJobTotal.WithLabelValues(service, job).Inc()
	}

	m.jobTotal.WithLabelValues(service, job, status).Inc()
	m.jobDuration.WithLabelValues(service, job, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) RecordIngest(service string, result domain.IngestResult) {
	if result.Action == "" {
		return
	}
	m.ingestActions.WithLabelValues(service, string(result.Action)).Inc()
	if result.Indexed {
		m.chunksIndexed.WithLabelValues(service).Add(float64(result.ChunkCount))
	}
}

func (m *WorkerMetrics) RecordDispatch(service string, report domain.DispatchReport) {
	add := func(status domain.DeliveryStatus, n int) {
		if n > 0 {
			m.deliveryTotal.WithLabelValues(service, string(status)).Add(float64(n))
		}
	}
	add(domain.DeliveryDelivered, report.Delivered)
	add(domain.DeliveryFailed, report.Retrying)
	add(domain.DeliveryFailedPermanent, report.Permanent)
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}
