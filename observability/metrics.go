package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/retainer-engine/retainer"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Retainer metrics
	PeriodsClosedTotal   *prometheus.CounterVec
	PeriodCloseDuration  *prometheus.HistogramVec
	CloseFailuresTotal   *prometheus.CounterVec
	InvoicesTotal        *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	RecomputationsTotal  *prometheus.CounterVec
	AgreementTransitions *prometheus.CounterVec
	ScheduledScansTotal  *prometheus.CounterVec
}

var _ retainer.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retainer_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PeriodsClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_periods_closed_total",
				Help: "Total number of retainer periods closed",
			},
			[]string{"agreement_type"},
		),
		PeriodCloseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retainer_period_close_duration_seconds",
				Help:    "Period close duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"agreement_type"},
		),
		CloseFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_period_close_failures_total",
				Help: "Total number of failed period closes",
			},
			[]string{"reason"},
		),
		InvoicesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_invoices_generated_total",
				Help: "Total number of draft invoices generated by period closes",
			},
			[]string{"currency"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_notifications_total",
				Help: "Total number of notifications raised",
			},
			[]string{"type"},
		),
		RecomputationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_consumption_recomputations_total",
				Help: "Total number of consumption recomputations",
			},
			[]string{"agreement_type"},
		),
		AgreementTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_agreement_transitions_total",
				Help: "Total number of agreement lifecycle changes",
			},
			[]string{"change"},
		),
		ScheduledScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retainer_ready_to_close_scans_total",
				Help: "Total number of scheduled ready-to-close scans",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PeriodsClosedTotal,
		m.PeriodCloseDuration,
		m.CloseFailuresTotal,
		m.InvoicesTotal,
		m.NotificationsTotal,
		m.RecomputationsTotal,
		m.AgreementTransitions,
		m.ScheduledScansTotal,
	)
	return m
}

// =============================================================================
// retainer.MetricsRecorder
// =============================================================================

func (m *Metrics) PeriodClosed(agreementType string, took time.Duration) {
	m.PeriodsClosedTotal.WithLabelValues(agreementType).Inc()
	m.PeriodCloseDuration.WithLabelValues(agreementType).Observe(took.Seconds())
}

func (m *Metrics) CloseFailed(reason string) {
	m.CloseFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) InvoiceGenerated(currency string) {
	m.InvoicesTotal.WithLabelValues(currency).Inc()
}

func (m *Metrics) NotificationRaised(notificationType string) {
	m.NotificationsTotal.WithLabelValues(notificationType).Inc()
}

func (m *Metrics) ConsumptionRecomputed(agreementType string) {
	m.RecomputationsTotal.WithLabelValues(agreementType).Inc()
}

func (m *Metrics) AgreementTransition(change string) {
	m.AgreementTransitions.WithLabelValues(change).Inc()
}

// ScanFinished counts scheduled scans by outcome.
func (m *Metrics) ScanFinished(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ScheduledScansTotal.WithLabelValues(status).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request counts and latency labelled by chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
