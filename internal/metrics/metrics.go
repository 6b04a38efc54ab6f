// Package metrics exposes Prometheus counters for token custody and the
// signing key lifecycle.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "custodian"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	keysCreated   prometheus.Counter
	keysRetired   prometheus.Counter
	keysPurged    prometheus.Counter
	saves         *prometheus.CounterVec
	saveConflicts prometheus.Counter
	lookups       *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		keysCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signing_keys",
			Name:      "created_total",
			Help:      "Signing keys generated.",
		}),
		keysRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signing_keys",
			Name:      "retired_total",
			Help:      "Signing keys moved from ACTIVE to INACTIVE.",
		}),
		keysPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signing_keys",
			Name:      "purged_total",
			Help:      "INACTIVE signing keys removed.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authorizations",
			Name:      "saves_total",
			Help:      "Authorization saves by outcome.",
		}, []string{"outcome"}),
		saveConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authorizations",
			Name:      "save_conflicts_total",
			Help:      "Concurrent write conflicts that triggered a retry.",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authorizations",
			Name:      "lookups_total",
			Help:      "Lookups by raw token value by result.",
		}, []string{"result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job runs by job and outcome.",
		}, []string{"job", "outcome"}),
	}

	collectors := []prometheus.Collector{
		m.keysCreated, m.keysRetired, m.keysPurged,
		m.saves, m.saveConflicts, m.lookups, m.jobRuns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) KeyCreated() {
	if m == nil {
		return
	}
	m.keysCreated.Inc()
}

func (m *Metrics) KeysRetired(n int) {
	if m == nil {
		return
	}
	m.keysRetired.Add(float64(n))
}

func (m *Metrics) KeysPurged(n int) {
	if m == nil {
		return
	}
	m.keysPurged.Add(float64(n))
}

func (m *Metrics) Saved(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.saves.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SaveConflict() {
	if m == nil {
		return
	}
	m.saveConflicts.Inc()
}

func (m *Metrics) Lookup(found bool) {
	if m == nil {
		return
	}
	result := "miss"
	if found {
		result = "hit"
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}
