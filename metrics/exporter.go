// Package metrics exports collector statistics and collection events to
// Prometheus.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orizon-lang/gcalloc/engine"
)

const defaultNamespace = "gcalloc"

// StatsSource provides statistics snapshots. *gc.Collector satisfies it.
type StatsSource interface {
	Statistics() engine.Statistics
}

type statMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(engine.Statistics) uint64
}

// Exporter is a prometheus.Collector over a StatsSource. Every scrape takes
// exactly one statistics snapshot, so the exported values are mutually
// consistent.
//
// It also counts collection events and measures stop-the-world pauses when
// ObserveCollectionEvent is installed as the collection event callback.
type Exporter struct {
	source StatsSource
	stats  []statMetric

	events   [engine.EventThreadUnsuspended + 1]prometheus.Counter
	eventVec *prometheus.CounterVec
	pauses   prometheus.Histogram

	stoppedAt atomic.Int64
	now       func() time.Time
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates an exporter. An empty namespace defaults to "gcalloc".
func NewExporter(source StatsSource, namespace string) *Exporter {
	if namespace == "" {
		namespace = defaultNamespace
	}

	gauge := func(name, help string, value func(engine.Statistics) uint64) statMetric {
		return statMetric{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", name), help, nil, nil),
			valueType: prometheus.GaugeValue,
			value:     value,
		}
	}
	counter := func(name, help string, value func(engine.Statistics) uint64) statMetric {
		return statMetric{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", name), help, nil, nil),
			valueType: prometheus.CounterValue,
			value:     value,
		}
	}

	e := &Exporter{
		source: source,
		stats: []statMetric{
			gauge("size_bytes", "Heap size excluding unmapped pages.", engine.Statistics.HeapSize),
			gauge("free_bytes", "Free bytes excluding unmapped pages.", engine.Statistics.FreeBytes),
			gauge("unmapped_bytes", "Bytes returned to the OS.", func(s engine.Statistics) uint64 { return s.UnmappedBytes }),
			gauge("allocated_since_gc_bytes", "Bytes allocated since the last collection.", func(s engine.Statistics) uint64 { return s.BytesAllocdSinceGC }),
			gauge("non_gc_bytes", "Bytes in uncollectable blocks.", func(s engine.Statistics) uint64 { return s.NonGCBytes }),
			gauge("markers", "Marker threads including the collecting thread.", engine.Statistics.Markers),
			counter("allocated_bytes_total", "Bytes allocated over the process lifetime.", engine.Statistics.BytesAllocd),
			counter("collections_total", "Completed collections.", func(s engine.Statistics) uint64 { return s.GCNo }),
			counter("reclaimed_before_gc_bytes_total", "Bytes reclaimed before the last collection.", func(s engine.Statistics) uint64 { return s.ReclaimedBytesBeforeGC }),
			counter("obtained_from_os_bytes_total", "Bytes obtained from the OS.", func(s engine.Statistics) uint64 { return s.ObtainedFromOSBytes }),
		},
		eventVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_total",
			Help:      "Collection and thread events by type.",
		}, []string{"event"}),
		pauses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "pause_seconds",
			Help:      "Time between stopping and restarting the world.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		now: time.Now,
	}

	// Event callbacks run with the world stopped; resolve label children up
	// front so delivery only touches atomics.
	for ev := range e.events {
		e.events[ev] = e.eventVec.WithLabelValues(engine.Event(ev).String())
	}

	return e
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range e.stats {
		ch <- m.desc
	}

	e.eventVec.Describe(ch)
	e.pauses.Describe(ch)
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.source.Statistics()

	for _, m := range e.stats {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, float64(m.value(s)))
	}

	e.eventVec.Collect(ch)
	e.pauses.Collect(ch)
}

// ObserveCollectionEvent counts ev and times stop-the-world pauses. It is
// safe to install as a collection event callback.
func (e *Exporter) ObserveCollectionEvent(ev engine.Event) {
	if ev < 0 || int(ev) >= len(e.events) {
		return
	}

	e.events[ev].Inc()

	switch ev {
	case engine.EventPreStopWorld:
		e.stoppedAt.Store(e.now().UnixNano())
	case engine.EventPostStartWorld:
		if start := e.stoppedAt.Swap(0); start != 0 {
			e.pauses.Observe(time.Duration(e.now().UnixNano() - start).Seconds())
		}
	}
}

// ObserveThreadEvent counts thread events.
func (e *Exporter) ObserveThreadEvent(ev engine.Event, _ engine.ThreadID) {
	e.ObserveCollectionEvent(ev)
}
