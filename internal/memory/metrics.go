package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconmem_memory_appends_total",
			Help: "Appended records by whether they reached the archive",
		},
		[]string{"durable"},
	)

	hotEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconmem_memory_hot_evictions_total",
		Help: "Records dropped from a hot ring on insertion",
	})

	ringEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconmem_memory_ring_evictions_total",
		Help: "Whole user rings dropped from the bounded user cache",
	})

	coldFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconmem_memory_cold_fallbacks_total",
			Help: "Operations that degraded to the hot tier because the archive failed",
		},
		[]string{"operation"},
	)

	feedbackUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconmem_memory_feedback_updates_total",
			Help: "Feedback updates by outcome",
		},
		[]string{"outcome"},
	)

	invariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconmem_memory_invariant_violations_total",
		Help: "Multiple unrated records found for one question and answer",
	})
)
