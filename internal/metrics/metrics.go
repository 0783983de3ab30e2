// Package metrics exposes pipeline activity as Prometheus collectors on a
// private registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

const namespace = "franky"

type Metrics struct {
	registry *prometheus.Registry

	leadsScored      *prometheus.CounterVec
	dealTransitions  *prometheus.CounterVec
	dealEscalations  prometheus.Counter
	commDeliveries   *prometheus.CounterVec
	taskTransitions  *prometheus.CounterVec
	capabilityCalls  *prometheus.CounterVec
	capabilityTiming *prometheus.HistogramVec
	poolBusy         prometheus.Gauge
	activeRuns       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		leadsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leads_scored_total", Help: "Leads scored by classification.",
		}, []string{"classification"}),
		dealTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deal_transitions_total", Help: "Applied deal events by resulting status.",
		}, []string{"event", "to"}),
		dealEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deal_escalations_total", Help: "Negotiation requests escalated for human review.",
		}),
		commDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "comm_deliveries_total", Help: "Communication requests by channel and outcome.",
		}, []string{"channel", "outcome"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_transitions_total", Help: "Task status changes.",
		}, []string{"from", "to"}),
		capabilityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "capability_calls_total", Help: "Executor and checker calls by outcome.",
		}, []string{"capability", "role", "outcome"}),
		capabilityTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "capability_call_seconds", Help: "Executor and checker call latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"capability", "role"}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_busy_slots", Help: "Worker pool slots in use.",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "project_runs_active", Help: "Projects with an active runner.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.leadsScored, m.dealTransitions, m.dealEscalations, m.commDeliveries,
		m.taskTransitions, m.capabilityCalls, m.capabilityTiming, m.poolBusy, m.activeRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) LeadScored(c domain.Classification) {
	if m == nil {
		return
	}
	m.leadsScored.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) DealTransition(event domain.DealEventType, to domain.DealStatus) {
	if m == nil {
		return
	}
	m.dealTransitions.WithLabelValues(string(event), string(to)).Inc()
}

func (m *Metrics) DealEscalated() {
	if m == nil {
		return
	}
	m.dealEscalations.Inc()
}

func (m *Metrics) CommDelivery(channel string, err error) {
	if m == nil {
		return
	}
	m.commDeliveries.WithLabelValues(channel, outcome(err)).Inc()
}

// TaskTransition, CapabilityCall and PoolBusy make Metrics a scheduler observer.
func (m *Metrics) TaskTransition(from, to domain.TaskStatus) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) CapabilityCall(name, role string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.capabilityCalls.WithLabelValues(name, role, outcome(err)).Inc()
	m.capabilityTiming.WithLabelValues(name, role).Observe(took.Seconds())
}

func (m *Metrics) PoolBusy(n int) {
	if m == nil {
		return
	}
	m.poolBusy.Set(float64(n))
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
