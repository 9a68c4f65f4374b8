// Package metrics carries the prometheus instrumentation of the
// snapshot pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SnapshotMetrics counts the work of snapshot runs.
type SnapshotMetrics struct {
	SnapshotsTaken    prometheus.Counter
	SnapshotsAborted  prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	PagesWritten      prometheus.Counter
	PagesDropped      prometheus.Counter
	PointersInstalled prometheus.Counter
}

// NewSnapshotMetrics builds the collectors and registers them.
func NewSnapshotMetrics(reg prometheus.Registerer) *SnapshotMetrics {
	m := &SnapshotMetrics{
		SnapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "snapshot",
			Name:      "taken_total",
			Help:      "Snapshots completed and published.",
		}),
		SnapshotsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "snapshot",
			Name:      "aborted_total",
			Help:      "Snapshot runs abandoned before publication.",
		}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ember",
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of successful snapshot runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		PagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "snapshot",
			Name:      "pages_written_total",
			Help:      "Snapshot pages written by the node reducers; root pages appended by the master are not counted.",
		}),
		PagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "snapshot",
			Name:      "volatile_pages_dropped_total",
			Help:      "Volatile pages released during pointer replacement.",
		}),
		PointersInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "snapshot",
			Name:      "pointers_installed_total",
			Help:      "Snapshot pointers installed on live trees.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SnapshotsTaken,
			m.SnapshotsAborted,
			m.SnapshotDuration,
			m.PagesWritten,
			m.PagesDropped,
			m.PointersInstalled,
		)
	}
	return m
}
