package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

// AnalysisMetrics records the submission and background analysis pipeline.
type AnalysisMetrics struct {
	submissionsTotal *prometheus.CounterVec
	processTotal     *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	processInFlight  prometheus.Gauge
	queueLag         prometheus.Histogram
	modelDuration    *prometheus.HistogramVec
	pendingPatients  prometheus.Gauge
	breakerState     *prometheus.GaugeVec
}

func NewAnalysisMetrics(service string, registerer prometheus.Registerer) *AnalysisMetrics {
	labels := prometheus.Labels{"service": service}

	submissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "submissions_total",
			Help:        "Upload submissions by outcome.",
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)
	processTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "process_total",
			Help:        "Finished background analyses by terminal status.",
			ConstLabels: labels,
		},
		[]string{"status"},
	)
	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "process_duration_seconds",
			Help:        "Background analysis duration in seconds by terminal status.",
			Buckets:     []float64{1, 5, 10, 30, 60, 120, 180, 300, 600},
			ConstLabels: labels,
		},
		[]string{"status"},
	)
	processInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "in_flight",
			Help:        "Number of background analyses currently running.",
			ConstLabels: labels,
		},
	)
	queueLag := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "queue_lag_seconds",
			Help:        "Delay between submission and processing start.",
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			ConstLabels: labels,
		},
	)
	modelDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "vision",
			Name:        "request_duration_seconds",
			Help:        "Vision model call duration in seconds by outcome.",
			Buckets:     []float64{1, 5, 10, 20, 40, 60, 120, 300},
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)
	pendingPatients := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "pending_patients",
			Help:        "Patients with an analysis in progress.",
			ConstLabels: labels,
		},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "breaker_state",
			Help:        "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	registerer.MustRegister(
		submissionsTotal,
		processTotal,
		processDuration,
		processInFlight,
		queueLag,
		modelDuration,
		pendingPatients,
		breakerState,
	)

	return &AnalysisMetrics{
		submissionsTotal: submissionsTotal,
		processTotal:     processTotal,
		processDuration:  processDuration,
		processInFlight:  processInFlight,
		queueLag:         queueLag,
		modelDuration:    modelDuration,
		pendingPatients:  pendingPatients,
		breakerState:     breakerState,
	}
}

func (m *AnalysisMetrics) SubmissionAccepted() {
	m.submissionsTotal.WithLabelValues("accepted").Inc()
}

func (m *AnalysisMetrics) SubmissionRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.submissionsTotal.WithLabelValues(reason).Inc()
}

func (m *AnalysisMetrics) AnalysisStarted(queueLag time.Duration) {
	m.processInFlight.Inc()
	if queueLag >= 0 {
		m.queueLag.Observe(queueLag.Seconds())
	}
}

func (m *AnalysisMetrics) AnalysisFinished(status domain.AnalysisStatus, duration time.Duration) {
	m.processInFlight.Dec()
	m.processTotal.WithLabelValues(string(status)).Inc()
	m.processDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (m *AnalysisMetrics) ModelCallFinished(duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.modelDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *AnalysisMetrics) PendingPatients(count int) {
	m.pendingPatients.Set(float64(count))
}

// ObserveBreakerState matches resilience.StateListener.
func (m *AnalysisMetrics) ObserveBreakerState(operation string, _, to gobreaker.State) {
	m.breakerState.WithLabelValues(operation).Set(float64(to))
}
