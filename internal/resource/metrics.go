package resource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheSize tracks the number of cached runtime handles.
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "copilotd",
			Subsystem: "cache",
			Name:      "size",
			Help:      "Number of cached runtime handles",
		},
	)

	// GetsTotal counts get-or-create calls.
	// Labels: result (hit, miss)
	GetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "copilotd",
			Subsystem: "cache",
			Name:      "gets_total",
			Help:      "Total get-or-create calls by outcome",
		},
		[]string{"result"},
	)

	// BuildsTotal counts runtime constructions.
	// Labels: result (success, error)
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "copilotd",
			Subsystem: "cache",
			Name:      "builds_total",
			Help:      "Total runtime constructions by result",
		},
		[]string{"result"},
	)

	// BuildDuration tracks how long runtime construction takes, including
	// collection provisioning and config loading.
	BuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "copilotd",
			Subsystem: "cache",
			Name:      "build_duration_seconds",
			Help:      "Duration of runtime construction in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ProvisioningFailures counts collection provisioning failures that
	// forced a runtime into degraded mode.
	ProvisioningFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "copilotd",
			Subsystem: "cache",
			Name:      "provisioning_failures_total",
			Help:      "Total collection provisioning failures (degraded builds)",
		},
	)

	// EvictionsTotal counts handles removed by the idle sweeper.
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "copilotd",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total handles evicted for idleness",
		},
	)

	// SweepsTotal counts sweep cycles.
	// Labels: result (success, error)
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "copilotd",
			Subsystem: "cache",
			Name:      "sweeps_total",
			Help:      "Total eviction sweep cycles by result",
		},
		[]string{"result"},
	)
)
