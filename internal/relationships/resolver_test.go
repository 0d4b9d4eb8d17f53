package relationships

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentcore/internal/geometry"
	"segmentcore/internal/segmentation"
	"segmentcore/pkg/domain"
)

const (
	cell    domain.EntityType = "cell"
	nucleus domain.EntityType = "nucleus"
	tol                       = 1e-6
)

func box(minX, minY, maxX, maxY float64) orb.MultiPolygon {
	return geometry.Box(minX, minY, maxX, maxY)
}

func stack(mp orb.MultiPolygon) map[int32]orb.MultiPolygon {
	return map[int32]orb.MultiPolygon{0: mp}
}

func storeOf(t domain.EntityType, geoms map[int64]orb.MultiPolygon) *segmentation.Store {
	var rows []domain.Detection
	for id, mp := range geoms {
		rows = append(rows, domain.Detection{EntityID: id, ZIndex: 0, Geometry: mp, EntityType: t})
	}
	return segmentation.FromDetections(t, rows)
}

func resolver(t *testing.T, threshold float64, constraints []ConstraintConfig, opts ...Option) *Resolver {
	t.Helper()
	r, err := New(Config{
		ParentType:             cell,
		ChildType:              nucleus,
		ChildCoverageThreshold: threshold,
		Constraints:            constraints,
	}, opts...)
	require.NoError(t, err)
	return r
}

func parentOf(t *testing.T, s *segmentation.Store, id int64) *int64 {
	t.Helper()
	p, _ := s.Parent(id)
	return p
}

func TestApplyMatchesByCoverageThreshold(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10), 2: box(10, 0, 20, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{
		1: box(2, 2, 8, 8),   // fully inside 1
		2: box(7, 0, 17, 10), // 0.3 in 1, 0.7 in 2
		3: box(30, 0, 40, 10),
	})
	r := resolver(t, 0.75, nil)
	_, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, domain.Int64Ptr(1), parentOf(t, children, 1))
	assert.Nil(t, parentOf(t, children, 2), "best coverage 0.7 is below threshold")
	assert.Nil(t, parentOf(t, children, 3))
	rows, err := children.Entity(1)
	require.NoError(t, err)
	assert.Equal(t, cell, rows[0].ParentType)
}

func TestApplyRejectsMismatchedStores(t *testing.T) {
	r := resolver(t, 0.5, nil)
	_, err := r.Apply(segmentation.New(nucleus), segmentation.New(cell))
	assert.True(t, domain.IsConfigError(err))
}

func TestMaximumChildCountRemoveChildKeepsLargest(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 100, 100)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{
		1: box(0, 0, 10, 10),
		2: box(20, 20, 40, 40),
		3: box(50, 50, 80, 80),
	})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "maximum_child_count", Value: intPtr(2), Resolution: "remove_child"},
	})
	report, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 3}, children.EntityIDs())
	assert.Equal(t, 1, report.Children.Removed)
	assert.Equal(t, 1, report.Violations["maximum_child_count(2)/remove_child"])
	for _, p := range parents.EntityIDs() {
		assert.LessOrEqual(t, len(children.ChildrenOf(p)), 2)
	}
}

func TestMaximumChildCountRemoveParentDetachesChildren(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 100, 100), 2: box(200, 0, 300, 100)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{
		1: box(0, 0, 10, 10),
		2: box(20, 20, 40, 40),
		3: box(210, 10, 220, 20),
	})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "maximum_child_count", Value: intPtr(1), Resolution: "remove_parent"},
	})
	report, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, parents.EntityIDs())
	assert.Equal(t, 3, children.Len())
	assert.Nil(t, parentOf(t, children, 1))
	assert.Nil(t, parentOf(t, children, 2))
	assert.Equal(t, domain.Int64Ptr(2), parentOf(t, children, 3))
	assert.Equal(t, 2, report.Detached)
}

func TestMinimumChildCountCreateChildCopiesParent(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{4: box(0, 0, 10, 10), 5: box(50, 0, 60, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{7: box(52, 2, 58, 8)})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "minimum_child_count", Value: intPtr(1), Resolution: "create_child"},
	})
	report, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, []int64{7, 8}, children.EntityIDs())
	assert.Equal(t, domain.Int64Ptr(4), parentOf(t, children, 8))
	assert.InDelta(t, 100, children.Volume(8), tol)
	assert.Equal(t, 1, report.Children.Created)
	for _, p := range parents.EntityIDs() {
		assert.GreaterOrEqual(t, len(children.ChildrenOf(p)), 1)
	}
}

func TestMinimumChildCountRemoveParent(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10), 2: box(50, 0, 60, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{1: box(52, 2, 58, 8)})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "minimum_child_count", Value: intPtr(1), Resolution: "remove_parent"},
	})
	_, err := r.Apply(parents, children)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, parents.EntityIDs())
	assert.Equal(t, domain.Int64Ptr(2), parentOf(t, children, 1))
}

func TestChildMustHaveParentRemoveChild(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{1: box(2, 2, 8, 8), 2: box(30, 30, 40, 40)})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "child_must_have_parent", Resolution: "remove_child"},
	})
	_, err := r.Apply(parents, children)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, children.EntityIDs())
}

func TestChildMustHaveParentCreateParentTrimsNeighbour(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 20, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{
		1: box(0, 0, 4, 10),
		2: box(15, 0, 30, 10), // coverage by 1 is 1/3
	})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "child_must_have_parent", Resolution: "create_parent"},
	})
	report, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, parents.EntityIDs())
	assert.Equal(t, domain.Int64Ptr(2), parentOf(t, children, 2))
	assert.Equal(t, domain.Int64Ptr(1), parentOf(t, children, 1))
	assert.InDelta(t, 150, parents.Volume(2), tol)
	assert.InDelta(t, 150, parents.Volume(1), tol, "existing parent is trimmed around the new one")
	assert.Equal(t, 1, report.Parents.Created)
	for _, c := range children.EntityIDs() {
		_, ok := children.Parent(c)
		assert.True(t, ok, "child %d has no parent", c)
	}
}

func TestCreateParentSplitReassignsChildren(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 30, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{
		1: box(22, 2, 28, 8),   // inside the right-hand remainder
		2: box(10, -5, 20, 15), // coverage 0.5 by parent 1
	})
	r := resolver(t, 0.6, []ConstraintConfig{
		{Constraint: "child_must_have_parent", Resolution: "create_parent"},
	})
	report, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, 3, parents.Len(), "trimmed parent splits into two entities")
	assert.Equal(t, 1, report.Parents.Splits)
	assert.Equal(t, domain.Int64Ptr(2), parentOf(t, children, 2))

	p := parentOf(t, children, 1)
	require.NotNil(t, p)
	g, ok := parents.Geometry(*p, 0)
	require.True(t, ok)
	assert.InDelta(t, 20, geometry.Bound(g).Min[0], tol)
	assert.InDelta(t, 100, geometry.Area(g), tol)
}

func TestParentMustCoverChildRemoveChild(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{1: box(7, 0, 17, 10), 2: box(2, 2, 5, 5)})
	r := resolver(t, 0.25, []ConstraintConfig{
		{Constraint: "parent_must_cover_child", Resolution: "remove_child"},
	})
	_, err := r.Apply(parents, children)
	require.NoError(t, err)
	assert.False(t, children.Has(1))
	assert.True(t, children.Has(2))
}

func TestParentMustCoverChildShrinkChild(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10), 2: box(40, 0, 50, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{
		1: box(7, 0, 17, 10),
		2: box(35, 2, 45, 8),
	})
	r := resolver(t, 0.25, []ConstraintConfig{
		{Constraint: "parent_must_cover_child", Resolution: "shrink_child"},
	})
	_, err := r.Apply(parents, children)
	require.NoError(t, err)

	g, ok := children.Geometry(1, 0)
	require.True(t, ok)
	assert.InDelta(t, 30, geometry.Area(g), tol)
	assert.InDelta(t, 0, geometry.Area(geometry.Difference(g, box(7, 0, 10, 10))), tol)

	rr := NewRelatedResults(parents, children, 0.25)
	for _, c := range children.EntityIDs() {
		p := parentOf(t, children, c)
		require.NotNil(t, p)
		assert.InDelta(t, 1, rr.Coverage(c, *p), tol)
	}
}

func TestChildIntersectOneParentShrinkAssigned(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10), 2: box(10, 0, 20, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{1: box(2, 0, 12, 10)})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "child_intersect_one_parent", Resolution: "shrink_child"},
	}, WithMinDistance(1))
	_, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, domain.Int64Ptr(1), parentOf(t, children, 1))
	assert.InDelta(t, 70, children.Volume(1), 1e-3)
}

func TestChildIntersectOneParentShrinkUnassignedKeepsBestHit(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10), 2: box(10, 0, 20, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{1: box(2, 0, 12, 10)})
	r := resolver(t, 0.9, []ConstraintConfig{
		{Constraint: "child_intersect_one_parent", Resolution: "shrink_child"},
	}, WithMinDistance(1))
	_, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Nil(t, parentOf(t, children, 1))
	assert.InDelta(t, 70, children.Volume(1), 1e-3)
}

func TestChildIntersectOneParentRemoveChild(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10), 2: box(10, 0, 20, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{
		1: box(2, 0, 12, 10),
		2: box(2, 2, 6, 6),
		3: box(12, 2, 16, 6),
	})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "child_intersect_one_parent", Resolution: "remove_child"},
	})
	_, err := r.Apply(parents, children)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, children.EntityIDs())
}

func TestConstraintsRunInOrder(t *testing.T) {
	parents := storeOf(cell, map[int64]orb.MultiPolygon{1: box(0, 0, 10, 10)})
	children := storeOf(nucleus, map[int64]orb.MultiPolygon{1: box(30, 30, 40, 40)})
	r := resolver(t, 0.5, []ConstraintConfig{
		{Constraint: "child_must_have_parent", Resolution: "create_parent"},
		{Constraint: "minimum_child_count", Value: intPtr(1), Resolution: "remove_parent"},
	})
	_, err := r.Apply(parents, children)
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, parents.EntityIDs(), "childless original parent is removed after the new parent is created")
	assert.Equal(t, domain.Int64Ptr(2), parentOf(t, children, 1))
}
