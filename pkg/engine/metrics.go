package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics collects the Prometheus series SPEC_FULL.md §11 calls for:
// KB size, cycle counts/latencies, GC pass counts, and the number of
// items GC passes removed (EvictionPass evictions are not counted),
// mirrored from pkg/kb/pkg/sched/pkg/gc via their event bus
// and the OnCycle/OnPass hooks rather than those packages importing
// client_golang themselves.
type metrics struct {
	kbSize        prometheus.Gauge
	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	gcPassesTotal prometheus.Counter
	evictedTotal  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		kbSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noema",
			Name:      "kb_size",
			Help:      "Current number of items stored in the knowledge base.",
		}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noema",
			Name:      "scheduler_cycles_total",
			Help:      "Total scheduler cycles run, partitioned by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "noema",
			Name:      "scheduler_cycle_duration_seconds",
			Help:      "Scheduler cycle wall-clock duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		gcPassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noema",
			Name:      "gc_passes_total",
			Help:      "Total garbage collection passes run.",
		}),
		evictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noema",
			Name:      "gc_items_removed_total",
			Help:      "Total items removed across all garbage collection passes.",
		}),
	}
	reg.MustRegister(m.kbSize, m.cyclesTotal, m.cycleDuration, m.gcPassesTotal, m.evictedTotal)
	return m
}

func (m *metrics) observeCycle(d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *metrics) observeGCPass(removed int) {
	m.gcPassesTotal.Inc()
	m.evictedTotal.Add(float64(removed))
}
