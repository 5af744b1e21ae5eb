package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_heal"

var (
	errorsScannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_scanned_total",
			Help:      "Error lines pulled from sources, partitioned by source.",
		},
		[]string{"source"},
	)

	patternMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_matches_total",
			Help:      "Error lines matched, partitioned by pattern.",
		},
		[]string{"pattern"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation executions, partitioned by fix type and outcome.",
		},
		[]string{"fix_type", "outcome"},
	)

	remediationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remediation_seconds",
			Help:      "Remediation latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"fix_type"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_cycle_seconds",
			Help:      "Pattern check cycle latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	cyclesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_cycles_skipped_total",
			Help:      "Scheduled check cycles skipped because a cycle was still running.",
		},
	)

	componentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_healthy",
			Help:      "1 when the component probe succeeded, 0 otherwise.",
		},
		[]string{"component"},
	)
)

// Register attaches mirador-heal collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		errorsScannedTotal,
		patternMatchesTotal,
		remediationsTotal,
		remediationDurationSeconds,
		cycleDurationSeconds,
		cyclesSkippedTotal,
		componentHealthy,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveErrorsScanned counts lines read from a source.
func ObserveErrorsScanned(source string, n int) {
	if n <= 0 {
		return
	}
	if source == "" {
		source = "none"
	}
	errorsScannedTotal.WithLabelValues(source).Add(float64(n))
}

// ObservePatternMatch counts one matched line.
func ObservePatternMatch(pattern string) {
	patternMatchesTotal.WithLabelValues(pattern).Inc()
}

// ObserveRemediation records a remediation duration and outcome.
func ObserveRemediation(fixType, outcome string, duration time.Duration) {
	remediationsTotal.WithLabelValues(fixType, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	remediationDurationSeconds.WithLabelValues(fixType).Observe(duration.Seconds())
}

// ObserveCycle records a check cycle duration.
func ObserveCycle(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// IncCycleSkipped counts a skipped scheduled cycle.
func IncCycleSkipped() {
	cyclesSkippedTotal.Inc()
}

// SetComponentHealth publishes a component probe result.
func SetComponentHealth(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	componentHealthy.WithLabelValues(component).Set(v)
}
