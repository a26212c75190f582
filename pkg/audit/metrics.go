package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished runs by status.
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ilaudit",
		Subsystem: "audit",
		Name:      "runs_total",
		Help:      "Finished audit runs by status",
	}, []string{"status"})

	// modulesTotal counts analyzed modules by phase.
	modulesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ilaudit",
		Subsystem: "audit",
		Name:      "modules_total",
		Help:      "Modules analyzed by phase",
	}, []string{"phase"})

	// findingsTotal counts final findings by kind and severity.
	findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ilaudit",
		Subsystem: "audit",
		Name:      "findings_total",
		Help:      "Findings delivered in final batches by kind and severity",
	}, []string{"kind", "severity"})

	escalatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ilaudit",
		Subsystem: "audit",
		Name:      "escalated_total",
		Help:      "Findings escalated because a per-frame callback reaches them",
	})

	ruleFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ilaudit",
		Subsystem: "audit",
		Name:      "rule_faults_total",
		Help:      "Rule invocations that panicked",
	})

	// phaseSeconds measures the wall time of each pipeline phase.
	phaseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ilaudit",
		Subsystem: "audit",
		Name:      "phase_seconds",
		Help:      "Duration of pipeline phases",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"phase"})
)

const (
	phaseCompile    = "compile"
	phaseLocal      = "local"
	phaseBackground = "background"
	phaseHierarchy  = "call_hierarchies"
)
