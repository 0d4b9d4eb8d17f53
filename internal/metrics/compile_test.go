package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentcore/internal/compile"
	"segmentcore/internal/relationships"
	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

func TestRecordCompile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewCompileMetrics(reg)
	require.NoError(t, err)

	report := compile.Report{
		Tiles:    2,
		Duration: 250 * time.Millisecond,
		Types: map[domain.EntityType]*compile.TypeReport{
			"cell": {
				Entities:    7,
				NewEntities: 9,
				EdgeRemoved: 1,
				Overlap:     segmentation.OverlapReport{UnionPairs: 2, TrimPairs: 3, Filtered: []int64{4}},
				Created:     1,
				Shifted:     1,
			},
		},
		Relationships: &relationships.Report{Violations: map[string]int{"child_must_have_parent/create_parent": 3}},
		Detached:      2,
	}
	m.RecordCompile(report)
	m.RecordCompile(report)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tilesTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.entitiesGauge.WithLabelValues("cell")))
	assert.Equal(t, 18.0, testutil.ToFloat64(m.newEntitiesTotal.WithLabelValues("cell")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.overlapPairs.WithLabelValues("cell", "union")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.overlapPairs.WithLabelValues("cell", "trim")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.editsTotal.WithLabelValues("cell", "filtered")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.violationsTotal.WithLabelValues("child_must_have_parent/create_parent")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.detachedTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCompileMetrics(reg)
	require.NoError(t, err)
	_, err = NewCompileMetrics(reg)
	assert.Error(t, err)
}
