// Package metrics exposes Prometheus counters for the session lifecycle.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "follo_session"

// Refresh outcomes.
const (
	RefreshOK        = "ok"
	RefreshExpired   = "expired"
	RefreshTransient = "transient"
	RefreshDiscarded = "discarded"
)

// Metrics holds the session counters.
type Metrics struct {
	Refreshes   *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Requests    *prometheus.CounterVec
	SyncRuns    *prometheus.CounterVec
}

// New creates the counters and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh calls made to the backend, by outcome.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by target state.",
		}, []string{"state"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authenticated_requests_total",
			Help:      "Authenticated requests dispatched, by status code.",
		}, []string{"code"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Event sync passes, by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Refreshes, m.Transitions, m.Requests, m.SyncRuns)
	}
	return m
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

// Request records a dispatch; code 0 means the transport failed.
func (m *Metrics) Request(code int) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.Requests.WithLabelValues(label).Inc()
}

func (m *Metrics) Sync(result string) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
