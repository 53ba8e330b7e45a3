// Package metrics exposes the store's counters and gauges as a
// Prometheus registry. This is ambient observability, not a spec
// feature: no code in this repo reads these values back, and callers
// are free to never scrape the handler at all.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphdb_wal_append_duration_seconds",
			Help:    "Time taken to append and durably persist a WAL entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_wal_appends_total",
			Help: "Total WAL entries appended by op code",
		},
		[]string{"op"},
	)

	WALSegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_wal_segments_total",
			Help: "Current number of WAL segments, including the active one",
		},
	)

	TombstonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_tombstones_total",
			Help: "Current number of live tombstoned records",
		},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graphdb_compactions_total",
			Help: "Total number of compaction boundary markers written",
		},
	)

	VectorIndexRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graphdb_vector_index_rebuilds_total",
			Help: "Total number of full vector index rebuilds",
		},
	)

	VectorIndexRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphdb_vector_index_rebuild_duration_seconds",
			Help:    "Time taken to rebuild the vector index from scratch",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncPeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_sync_peers_connected",
			Help: "Current number of connected sync peers",
		},
	)

	SyncEntriesSentTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_sync_entries_sent_total",
			Help: "Cumulative WAL entries sent to peers over sync, as last reported by the engine",
		},
	)

	SyncEntriesReceivedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_sync_entries_received_total",
			Help: "Cumulative WAL entries received from peers over sync, as last reported by the engine",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WALAppendDuration,
		WALAppendsTotal,
		WALSegmentsTotal,
		TombstonesTotal,
		CompactionsTotal,
		VectorIndexRebuildsTotal,
		VectorIndexRebuildDuration,
		SyncPeersConnected,
		SyncEntriesSentTotal,
		SyncEntriesReceivedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
