package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SweepActionRetried = "retried"
	SweepActionFlagged = "flagged"
	SweepActionSkipped = "skipped"
)

// SweepMetrics captures recovery sweep health signals.
type SweepMetrics struct {
	runs        prometheus.Counter
	runDuration prometheus.Observer
	lockSkips   prometheus.Counter
	runErrors   prometheus.Counter
	actions     *prometheus.CounterVec
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// Sweep returns the singleton sweep metrics registry.
func Sweep() *SweepMetrics {
	return SweepWithConfig(Config{})
}

// SweepWithConfig returns the singleton sweep metrics registry using config labels.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = newSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// ResetSweepMetricsForTest resets the sweep metrics singleton for tests.
func ResetSweepMetricsForTest() {
	sweepMetricsOnce = sync.Once{}
	sweepMetrics = nil
}

func newSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "quotely"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "quotely_sweep_runs_total",
		Help:        "Recovery sweep runs.",
		ConstLabels: constLabels,
	})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "quotely_sweep_run_duration_seconds",
		Help:        "Recovery sweep run latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	lockSkips := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "quotely_sweep_lock_skips_total",
		Help:        "Sweep runs skipped because another instance held the lock.",
		ConstLabels: constLabels,
	})
	runErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "quotely_sweep_run_errors_total",
		Help:        "Recovery sweep runs that failed.",
		ConstLabels: constLabels,
	})
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotely_sweep_actions_total",
		Help:        "Stuck events handled by the sweep, by action taken.",
		ConstLabels: constLabels,
	}, []string{"action"})

	registerer.MustRegister(runs, runDuration, lockSkips, runErrors, actions)

	return &SweepMetrics{
		runs:        runs,
		runDuration: runDuration,
		lockSkips:   lockSkips,
		runErrors:   runErrors,
		actions:     actions,
	}
}

// ObserveRun records a completed sweep run.
func (m *SweepMetrics) ObserveRun(duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordLockSkip records a run skipped due to lock contention.
func (m *SweepMetrics) RecordLockSkip() {
	if m == nil {
		return
	}
	m.lockSkips.Inc()
}

// RecordRunError records a failed sweep run.
func (m *SweepMetrics) RecordRunError() {
	if m == nil {
		return
	}
	m.runErrors.Inc()
}

// RecordAction records the action taken on a stuck event.
func (m *SweepMetrics) RecordAction(action string) {
	if m == nil {
		return
	}
	switch action {
	case SweepActionRetried, SweepActionFlagged, SweepActionSkipped:
	default:
		action = "unknown"
	}
	m.actions.WithLabelValues(action).Inc()
}
