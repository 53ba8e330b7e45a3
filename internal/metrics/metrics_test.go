package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}
	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
}

func TestTimerObserveDurationDoesNotPanic(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_metrics_duration_seconds",
		Help:    "test histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)
}

func TestHandlerIsNotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestRegisteredMetricsAreNotNil(t *testing.T) {
	collectors := []prometheus.Collector{
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
	}
	for _, c := range collectors {
		if c == nil {
			t.Fatal("metric collector is nil")
		}
	}
}
