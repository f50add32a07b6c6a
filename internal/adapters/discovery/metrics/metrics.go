package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the discovery collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	BrowseSessionsTotal             *prometheus.CounterVec
	DiscoveriesTotal                *prometheus.CounterVec
	ResolvesTotal                   *prometheus.CounterVec
	ActiveResolves                  prometheus.Gauge
	ResolveDuration                 *prometheus.HistogramVec
	RegistrationTransitionsTotal    *prometheus.CounterVec
	StaleCallbacksTotal             *prometheus.CounterVec
	BridgeDroppedTotal              *prometheus.CounterVec
	CandidatesSeen                  prometheus.Gauge
	CandidateValidationFailureTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BrowseSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssd_browse_sessions_total",
				Help: "Browse sessions started, by result",
			},
			[]string{"adapter", "result"},
		),
		DiscoveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssd_discoveries_total",
				Help: "PTR discoveries seen, by what happened to them",
			},
			[]string{"adapter", "result"},
		),
		ResolvesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssd_resolves_total",
				Help: "Completed resolves, by result",
			},
			[]string{"adapter", "result"},
		),
		ActiveResolves: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnssd_active_resolves",
				Help: "Resolves issued and not yet completed",
			},
		),
		ResolveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dnssd_resolve_duration_seconds",
				Help:    "Time from issuing a resolve to its completion",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"adapter"},
		),
		RegistrationTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssd_registration_transitions_total",
				Help: "Registration state machine transitions",
			},
			[]string{"from", "to"},
		),
		StaleCallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssd_stale_callbacks_total",
				Help: "Callbacks that arrived after their owner was torn down",
			},
			[]string{"kind"},
		),
		BridgeDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssd_bridge_dropped_total",
				Help: "Values dropped by an event delivery bridge",
			},
			[]string{"bridge", "reason"},
		),
		CandidatesSeen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnssd_candidates",
				Help: "Peer candidates known in the current session",
			},
		),
		CandidateValidationFailureTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnssd_candidate_rejected_total",
				Help: "Resolved records rejected by the candidate manager",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) BrowseStarted(adapter, result string) {
	if m == nil {
		return
	}
	m.BrowseSessionsTotal.WithLabelValues(adapter, result).Inc()
}

func (m *Metrics) Discovery(adapter, result string) {
	if m == nil {
		return
	}
	m.DiscoveriesTotal.WithLabelValues(adapter, result).Inc()
}

func (m *Metrics) ResolveIssued() {
	if m == nil {
		return
	}
	m.ActiveResolves.Inc()
}

func (m *Metrics) ResolveDone(adapter, result string, started time.Time) {
	if m == nil {
		return
	}
	m.ActiveResolves.Dec()
	m.ResolvesTotal.WithLabelValues(adapter, result).Inc()
	m.ResolveDuration.WithLabelValues(adapter).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.RegistrationTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) StaleCallback(kind string) {
	if m == nil {
		return
	}
	m.StaleCallbacksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) BridgeDropped(bridge, reason string, count int) {
	if m == nil {
		return
	}
	m.BridgeDroppedTotal.WithLabelValues(bridge, reason).Add(float64(count))
}

func (m *Metrics) SetCandidates(n int) {
	if m == nil {
		return
	}
	m.CandidatesSeen.Set(float64(n))
}

func (m *Metrics) CandidateRejected(reason string) {
	if m == nil {
		return
	}
	m.CandidateValidationFailureTotal.WithLabelValues(reason).Inc()
}
