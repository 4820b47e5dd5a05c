// Package instrumentation exposes Prometheus counters for containment
// actions and reports. kubeir is a one-shot CLI, so metrics are written to a
// node_exporter textfile instead of being served.
package instrumentation

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kubeir"

// Metrics holds the collectors on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	podsDeleted    prometheus.Counter
	podsIsolated   prometheus.Counter
	nodesCordoned  prometheus.Counter
	reportWarnings *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "containment_actions_total",
			Help:      "Containment actions by action and outcome.",
		}, []string{"action", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "containment_action_duration_seconds",
			Help:      "Wall time of containment actions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action"}),
		podsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pods_deleted_total",
			Help:      "Pods deleted by drain or delete.",
		}),
		podsIsolated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pods_isolated_total",
			Help:      "Pods labelled into a deny-all quarantine.",
		}),
		nodesCordoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_cordoned_total",
			Help:      "Nodes marked unschedulable.",
		}),
		reportWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_warnings_total",
			Help:      "Warning rows emitted by enumeration reports, by keyword.",
		}, []string{"keyword"}),
	}
	m.registry.MustRegister(
		m.actions,
		m.actionDuration,
		m.podsDeleted,
		m.podsIsolated,
		m.nodesCordoned,
		m.reportWarnings,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAction counts one action with its outcome and duration.
func (m *Metrics) ObserveAction(action, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) PodsDeleted(n int) {
	if m == nil {
		return
	}
	m.podsDeleted.Add(float64(n))
}

func (m *Metrics) PodsIsolated(n int) {
	if m == nil {
		return
	}
	m.podsIsolated.Add(float64(n))
}

func (m *Metrics) NodesCordoned(n int) {
	if m == nil {
		return
	}
	m.nodesCordoned.Add(float64(n))
}

// ReportWarnings counts warning rows for keyword.
func (m *Metrics) ReportWarnings(keyword string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reportWarnings.WithLabelValues(keyword).Add(float64(n))
}

// WriteTextfile writes the registry in text exposition format to path,
// atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
