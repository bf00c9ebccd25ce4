package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "timeline_indexer"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Timeline records read per source by result.",
		},
		[]string{"result"},
	)
	DocumentsAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_added_total",
			Help:      "Documents appended to the batch cache per index.",
		},
		[]string{"index"},
	)
	DroppedTimestamps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_timestamps_total",
			Help:      "Timestamp fields that could not be normalized.",
		},
		[]string{"reason"},
	)
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Bulk flushes per index by result.",
		},
		[]string{"index", "result"},
	)
	BulkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_items_total",
			Help:      "Bulk items per index by outcome (created, existing, failed).",
		},
		[]string{"index", "outcome"},
	)
	FlushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_latency_seconds",
			Help:      "Bulk flush latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"index"},
	)
	PendingEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_entries",
			Help:      "Entries buffered or awaiting confirmation per index.",
		},
		[]string{"index"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		DocumentsAdded,
		DroppedTimestamps,
		FlushesTotal,
		BulkItemsTotal,
		FlushLatency,
		PendingEntries,
	)
}
