// Package metrics holds the Prometheus collectors for the sync layer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	syncedTotal      *prometheus.CounterVec
	syncFailures     *prometheus.CounterVec
	queueEntries     *prometheus.GaugeVec
	passDuration     prometheus.Histogram
	recordsSaved     *prometheus.CounterVec
	garbageCollected prometheus.Counter
)

// Register initialises the collectors on the default registry.
func Register() {
	registerOnce.Do(func() {
		syncedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asistoya_sync_synced_total",
			Help: "Queue entries successfully written to the cloud backend.",
		}, []string{"collection"})

		syncFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asistoya_sync_failures_total",
			Help: "Failed cloud writes by error kind.",
		}, []string{"collection", "kind"})

		queueEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asistoya_sync_queue_entries",
			Help: "Queue entries by state after the last reconciler pass.",
		}, []string{"state"})

		passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asistoya_sync_pass_duration_seconds",
			Help:    "Duration of reconciler passes.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		})

		recordsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asistoya_records_saved_total",
			Help: "Documents persisted locally by collection.",
		}, []string{"collection"})

		garbageCollected = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asistoya_sync_queue_collected_total",
			Help: "Synced queue entries removed after the retention horizon.",
		})

		prometheus.MustRegister(syncedTotal, syncFailures, queueEntries, passDuration, recordsSaved, garbageCollected)
	})
}

// Synced exposes the counter of synced entries.
func Synced() *prometheus.CounterVec {
	Register()
	return syncedTotal
}

// SyncFailures exposes the counter of failed writes.
func SyncFailures() *prometheus.CounterVec {
	Register()
	return syncFailures
}

// QueueEntries exposes the queue state gauge.
func QueueEntries() *prometheus.GaugeVec {
	Register()
	return queueEntries
}

// PassDuration exposes the pass duration histogram.
func PassDuration() prometheus.Histogram {
	Register()
	return passDuration
}

// RecordsSaved exposes the counter of local writes.
func RecordsSaved() *prometheus.CounterVec {
	Register()
	return recordsSaved
}

// GarbageCollected exposes the counter of removed entries.
func GarbageCollected() prometheus.Counter {
	Register()
	return garbageCollected
}
