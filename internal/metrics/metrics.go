package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors of the acquisition engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration prometheus.Histogram
	VerdictsTotal   *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	FetchesTotal    *prometheus.CounterVec
	LoginWaitsTotal *prometheus.CounterVec
	OutboxTotal     *prometheus.CounterVec
	JobsTotal       *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taobao_load_attempts_total",
			Help: "Page load attempts by outcome.",
		},
		[]string{"outcome"},
	)
	attemptDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taobao_load_attempt_duration_seconds",
			Help:    "Duration of a single page load attempt including tab sequencing.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 240},
		},
	)
	verdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taobao_completeness_verdicts_total",
			Help: "Completeness verdicts by status.",
		},
		[]string{"status"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taobao_retries_total",
			Help: "Backoff transitions scheduled by the retry controller.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taobao_errors_total",
			Help: "Acquisition errors by type.",
		},
		[]string{"error_type"},
	)
	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taobao_fetches_total",
			Help: "Finished acquisitions by final state.",
		},
		[]string{"result"},
	)
	loginWaits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taobao_login_waits_total",
			Help: "Authentication gate outcomes.",
		},
		[]string{"result"},
	)

	outbox := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taobao_outbox_deliveries_total",
			Help: "Outbox events relayed to Redis by result.",
		},
		[]string{"result"},
	)
	jobs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taobao_fetch_jobs_total",
			Help: "Fetch jobs finished by the worker by status.",
		},
		[]string{"status"},
	)

	registry.MustRegister(attempts, attemptDuration, verdicts, retries, errorsTotal, fetches, loginWaits, outbox, jobs)

	return &Metrics{
		Registry:        registry,
		AttemptsTotal:   attempts,
		AttemptDuration: attemptDuration,
		VerdictsTotal:   verdicts,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		FetchesTotal:    fetches,
		LoginWaitsTotal: loginWaits,
		OutboxTotal:     outbox,
		JobsTotal:       jobs,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
	m.AttemptDuration.Observe(d.Seconds())
}

func (m *Metrics) IncVerdict(status string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncFetch(result string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncLoginWait(result string) {
	if m == nil {
		return
	}
	m.LoginWaitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncOutbox(result string) {
	if m == nil {
		return
	}
	m.OutboxTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncJob(status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(status).Inc()
}
