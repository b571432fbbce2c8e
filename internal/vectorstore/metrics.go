package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks index operation latency.
	// Labels: provider (chromem, qdrant), operation (add, search, delete), result (success, error)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reconmem",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of similarity index operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "result"},
	)

	// DocumentsIndexed counts documents written to the index.
	DocumentsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconmem",
			Subsystem: "vectorstore",
			Name:      "documents_indexed_total",
			Help:      "Total number of documents upserted into the similarity index",
		},
		[]string{"provider"},
	)

	// QuarantinedCollections counts collections moved aside at startup.
	QuarantinedCollections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reconmem",
			Subsystem: "vectorstore",
			Name:      "quarantined_collections_total",
			Help:      "Total number of corrupt chromem collections quarantined on load",
		},
	)
)

func observe(provider, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationDuration.WithLabelValues(provider, operation, result).Observe(time.Since(start).Seconds())
}
