// Package metrics holds the Prometheus metrics of the replica engine.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replica"

// Metrics holds all Prometheus metrics for dispatcher, session and server.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	registry *prometheus.Registry

	// NotificationsTotal counts change sets delivered to listeners by class and state.
	NotificationsTotal *prometheus.CounterVec

	// CoalescedTotal counts wakes folded into an already pending evaluation.
	CoalescedTotal *prometheus.CounterVec

	// EvaluationSeconds measures query re-evaluation plus diff time.
	EvaluationSeconds *prometheus.HistogramVec

	// UploadedChangesets counts changesets acknowledged by the server.
	UploadedChangesets prometheus.Counter

	// DownloadedChangesets counts changesets received from the server.
	DownloadedChangesets prometheus.Counter

	// AppliedInstructions counts remote instructions that changed local state.
	AppliedInstructions prometheus.Counter

	// Reconnects counts session reconnect attempts.
	Reconnects prometheus.Counter

	// SessionState is 1 for the session's current state label.
	SessionState *prometheus.GaugeVec

	// ServerSessions is the number of bound server-side sessions.
	ServerSessions prometheus.Gauge

	// ServerChangesets counts changesets integrated into server history.
	ServerChangesets prometheus.Counter
}

// New creates metrics registered on a fresh registry.
//
// Each replica and server gets its own registry so several can live in one
// process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		NotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "notifications_total",
				Help:      "Change sets delivered to listeners by class and state",
			},
			[]string{"class", "state"},
		),

		CoalescedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "coalesced_total",
				Help:      "Commits folded into an already pending evaluation",
			},
			[]string{"class"},
		),

		EvaluationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "evaluation_seconds",
				Help:      "Query re-evaluation and diff time",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"class"},
		),

		UploadedChangesets: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "uploaded_changesets_total",
				Help:      "Changesets acknowledged by the server",
			},
		),

		DownloadedChangesets: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "downloaded_changesets_total",
				Help:      "Changesets received from the server",
			},
		),

		AppliedInstructions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "applied_instructions_total",
				Help:      "Remote instructions received for application",
			},
		),

		Reconnects: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "reconnects_total",
				Help:      "Session reconnect attempts",
			},
		),

		SessionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "session_state",
				Help:      "1 for the session's current state",
			},
			[]string{"state"},
		),

		ServerSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "sessions",
				Help:      "Bound sync sessions",
			},
		),

		ServerChangesets: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "changesets_total",
				Help:      "Changesets integrated into history",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, e.g. for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Notified records a delivered change set.
func (m *Metrics) Notified(class, state string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(class, state).Inc()
}

// Coalesced records a wake that found an evaluation already pending.
func (m *Metrics) Coalesced(class string) {
	if m == nil {
		return
	}
	m.CoalescedTotal.WithLabelValues(class).Inc()
}

// ObserveEvaluation records how long a re-evaluation took.
func (m *Metrics) ObserveEvaluation(class string, seconds float64) {
	if m == nil {
		return
	}
	m.EvaluationSeconds.WithLabelValues(class).Observe(seconds)
}

// Uploaded records acknowledged changesets.
func (m *Metrics) Uploaded(n int) {
	if m == nil {
		return
	}
	m.UploadedChangesets.Add(float64(n))
}

// Downloaded records a received changeset and its instruction count.
func (m *Metrics) Downloaded(instructions int) {
	if m == nil {
		return
	}
	m.DownloadedChangesets.Inc()
	m.AppliedInstructions.Add(float64(instructions))
}

// Reconnected records a reconnect attempt.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetSessionState marks state as the current one among all.
func (m *Metrics) SetSessionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// SessionBound adjusts the bound-session gauge by delta.
func (m *Metrics) SessionBound(delta int) {
	if m == nil {
		return
	}
	m.ServerSessions.Add(float64(delta))
}

// Integrated records changesets appended to server history.
func (m *Metrics) Integrated(n int) {
	if m == nil {
		return
	}
	m.ServerChangesets.Add(float64(n))
}
