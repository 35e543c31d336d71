// Package metrics provides Prometheus metrics collection for the
// interaction engine.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for one engine instance.
type Metrics struct {
	// Registration / deregistration
	RegistrationsTotal   *prometheus.CounterVec
	DeregistrationsTotal *prometheus.CounterVec

	// Polling
	PollsTotal    *prometheus.CounterVec
	PollDuration  *prometheus.HistogramVec
	PollItemCount *prometheus.HistogramVec

	// Interactions
	InteractionsTotal      *prometheus.CounterVec
	DecryptFailuresTotal   *prometheus.CounterVec
	UnattributedTotal      *prometheus.CounterVec
	SessionExpirationsTotal *prometheus.CounterVec

	// Gauges
	ActiveClients prometheus.Gauge
	ActiveURLs    prometheus.Gauge

	EngineInfo *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
// Passing a nil registerer builds the collectors without registering them,
// useful in tests that want isolated collectors.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interactsh_registrations_total",
				Help: "Total number of register attempts against Interactsh servers",
			},
			[]string{"server_url", "status"},
		),
		DeregistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interactsh_deregistrations_total",
				Help: "Total number of deregister attempts against Interactsh servers",
			},
			[]string{"server_url", "status"},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interactsh_polls_total",
				Help: "Total number of poll attempts against Interactsh servers",
			},
			[]string{"server_url", "status"},
		),
		PollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "interactsh_poll_duration_seconds",
				Help:    "Poll round-trip duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server_url"},
		),
		PollItemCount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "interactsh_poll_item_count",
				Help:    "Number of interaction items returned by a single poll",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"server_url"},
		),
		InteractionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interactsh_interactions_total",
				Help: "Total number of interactions successfully decrypted and recorded",
			},
			[]string{"server_url", "protocol"},
		),
		DecryptFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interactsh_decrypt_failures_total",
				Help: "Total number of interaction items that failed decryption or parsing",
			},
			[]string{"server_url"},
		),
		UnattributedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interactsh_unattributed_interactions_total",
				Help: "Total number of interactions that matched no active URL",
			},
			[]string{"server_url"},
		),
		SessionExpirationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interactsh_session_expirations_total",
				Help: "Total number of sessions reported expired by the server",
			},
			[]string{"server_url"},
		),
		ActiveClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "interactsh_active_clients",
				Help: "Current number of registered protocol clients",
			},
		),
		ActiveURLs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "interactsh_active_urls",
				Help: "Current number of minted URLs being watched",
			},
		),
		EngineInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "interactsh_engine_info",
				Help: "Engine build/service information",
			},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RegistrationsTotal,
			m.DeregistrationsTotal,
			m.PollsTotal,
			m.PollDuration,
			m.PollItemCount,
			m.InteractionsTotal,
			m.DecryptFailuresTotal,
			m.UnattributedTotal,
			m.SessionExpirationsTotal,
			m.ActiveClients,
			m.ActiveURLs,
			m.EngineInfo,
		)
	}

	m.EngineInfo.WithLabelValues(serviceName, "1.0.0").Set(1)

	return m
}

// RecordRegistration records the outcome of a /register round trip.
func (m *Metrics) RecordRegistration(serverURL string, err error) {
	m.RegistrationsTotal.WithLabelValues(serverURL, statusLabel(err)).Inc()
}

// RecordDeregistration records the outcome of a /deregister round trip.
func (m *Metrics) RecordDeregistration(serverURL string, err error) {
	m.DeregistrationsTotal.WithLabelValues(serverURL, statusLabel(err)).Inc()
}

// RecordPoll records the outcome, duration, and item count of one poll.
func (m *Metrics) RecordPoll(serverURL string, itemCount int, duration time.Duration, err error) {
	m.PollsTotal.WithLabelValues(serverURL, statusLabel(err)).Inc()
	m.PollDuration.WithLabelValues(serverURL).Observe(duration.Seconds())
	if err == nil {
		m.PollItemCount.WithLabelValues(serverURL).Observe(float64(itemCount))
	}
}

// RecordInteraction records a successfully decrypted and recorded interaction.
func (m *Metrics) RecordInteraction(serverURL, protocol string) {
	m.InteractionsTotal.WithLabelValues(serverURL, protocol).Inc()
}

// RecordDecryptFailure records a per-item decrypt/parse failure.
func (m *Metrics) RecordDecryptFailure(serverURL string) {
	m.DecryptFailuresTotal.WithLabelValues(serverURL).Inc()
}

// RecordUnattributed records an interaction that matched no active URL.
func (m *Metrics) RecordUnattributed(serverURL string) {
	m.UnattributedTotal.WithLabelValues(serverURL).Inc()
}

// RecordSessionExpiration records a server-reported session expiry.
func (m *Metrics) RecordSessionExpiration(serverURL string) {
	m.SessionExpirationsTotal.WithLabelValues(serverURL).Inc()
}

// SetActiveClients sets the current number of registered protocol clients.
func (m *Metrics) SetActiveClients(count int) {
	m.ActiveClients.Set(float64(count))
}

// SetActiveURLs sets the current number of minted URLs being watched.
func (m *Metrics) SetActiveURLs(count int) {
	m.ActiveURLs.Set(float64(count))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Enabled returns whether Prometheus metrics should be exposed.
// Disabled unless explicitly enabled via METRICS_ENABLED.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
