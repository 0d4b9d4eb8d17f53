// Package metrics exposes Prometheus collectors for compile runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"segmentcore/internal/compile"
)

// CompileMetrics records one sample set per compile.Report. It implements
// compile.Recorder.
type CompileMetrics struct {
	registry *prometheus.Registry

	runsTotal        prometheus.Counter
	runDuration      prometheus.Histogram
	tilesTotal       prometheus.Counter
	entitiesGauge    *prometheus.GaugeVec
	newEntitiesTotal *prometheus.CounterVec
	overlapPairs     *prometheus.CounterVec
	editsTotal       *prometheus.CounterVec
	violationsTotal  *prometheus.CounterVec
	detachedTotal    prometheus.Counter

	collectors []prometheus.Collector
}

var _ compile.Recorder = (*CompileMetrics)(nil)

// NewCompileMetrics creates the collectors and registers them on registry.
func NewCompileMetrics(registry *prometheus.Registry) (*CompileMetrics, error) {
	m := &CompileMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CompileMetrics) initMetrics() {
	m.runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segcore_compile_runs_total",
		Help: "Total number of successful compile merges",
	})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "segcore_compile_duration_seconds",
		Help:    "Wall time of one compile merge",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})
	m.tilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segcore_compile_tiles_total",
		Help: "Total number of tiles merged",
	})
	m.entitiesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segcore_global_entities",
		Help: "Entities in the global store after the last merge",
	}, []string{"entity_type"})
	m.newEntitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segcore_tile_entities_total",
		Help: "Entities read from tiles",
	}, []string{"entity_type"})
	m.overlapPairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segcore_overlap_pairs_total",
		Help: "Overlapping pairs resolved by the overlap passes",
	}, []string{"entity_type", "pass"}) // pass: union, trim
	m.editsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segcore_entity_edits_total",
		Help: "Entity edits made while compiling",
	}, []string{"entity_type", "edit"}) // edit: edge_removed, filtered, created, shifted
	m.violationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segcore_constraint_violations_total",
		Help: "Relationship constraint violations resolved",
	}, []string{"constraint"})
	m.detachedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segcore_detached_children_total",
		Help: "Child parent pointers cleared because the parent vanished",
	})

	m.collectors = []prometheus.Collector{
		m.runsTotal, m.runDuration, m.tilesTotal, m.entitiesGauge, m.newEntitiesTotal,
		m.overlapPairs, m.editsTotal, m.violationsTotal, m.detachedTotal,
	}
}

// Describe implements prometheus.Collector.
func (m *CompileMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *CompileMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// RecordCompile implements compile.Recorder.
func (m *CompileMetrics) RecordCompile(r compile.Report) {
	m.runsTotal.Inc()
	m.runDuration.Observe(r.Duration.Seconds())
	m.tilesTotal.Add(float64(r.Tiles))
	for t, tr := range r.Types {
		label := string(t)
		m.entitiesGauge.WithLabelValues(label).Set(float64(tr.Entities))
		m.newEntitiesTotal.WithLabelValues(label).Add(float64(tr.NewEntities))
		m.overlapPairs.WithLabelValues(label, "union").Add(float64(tr.Overlap.UnionPairs))
		m.overlapPairs.WithLabelValues(label, "trim").Add(float64(tr.Overlap.TrimPairs))
		m.editsTotal.WithLabelValues(label, "edge_removed").Add(float64(tr.EdgeRemoved))
		m.editsTotal.WithLabelValues(label, "filtered").Add(float64(len(tr.Overlap.Filtered)))
		m.editsTotal.WithLabelValues(label, "created").Add(float64(tr.Created))
		m.editsTotal.WithLabelValues(label, "shifted").Add(float64(tr.Shifted))
	}
	if r.Relationships != nil {
		for name, n := range r.Relationships.Violations {
			m.violationsTotal.WithLabelValues(name).Add(float64(n))
		}
	}
	m.detachedTotal.Add(float64(r.Detached))
}
