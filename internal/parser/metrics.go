package parser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// parseOutcomes counts which strategy recovered a document.
// Labels: outcome (direct, fenced, braces, failure)
var parseOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reconmem",
		Subsystem: "parser",
		Name:      "parses_total",
		Help:      "Total model outputs parsed, by recovering strategy",
	},
	[]string{"outcome"},
)
