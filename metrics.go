package certsentinel

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the daemon-mode Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	expiryTimestamp *prometheus.GaugeVec
	daysRemaining   *prometheus.GaugeVec
	renewals        *prometheus.CounterVec
	cycles          prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		expiryTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "certsentinel_certificate_expiry_timestamp_seconds",
			Help: "NotAfter of the live certificate as a unix timestamp.",
		}, []string{"domain"}),
		daysRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "certsentinel_certificate_days_remaining",
			Help: "Whole days until the live certificate expires.",
		}, []string{"domain"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certsentinel_renewal_attempts_total",
			Help: "Renewal attempts by terminal outcome.",
		}, []string{"domain", "outcome"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certsentinel_check_cycles_total",
			Help: "Completed check cycles.",
		}),
	}
	m.registry.MustRegister(m.expiryTimestamp, m.daysRemaining, m.renewals, m.cycles)
	return m
}

// ObserveStatus records an inspection result. UNKNOWN statuses carry no
// expiry and are skipped.
func (m *Metrics) ObserveStatus(status CertificateStatus) {
	if status.State == StateUnknown {
		return
	}
	m.expiryTimestamp.WithLabelValues(status.Domain).Set(float64(status.NotAfter.Unix()))
	m.daysRemaining.WithLabelValues(status.Domain).Set(float64(status.DaysRemaining))
}

func (m *Metrics) ObserveRenewal(domain string, outcome AttemptOutcome) {
	m.renewals.WithLabelValues(domain, string(outcome)).Inc()
}

func (m *Metrics) ObserveCycle() {
	m.cycles.Inc()
}

// Handler returns the /metrics handler for the daemon's listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
