package segmentation

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentcore/pkg/domain"
)

func TestFromDetectionsDropsDuplicateKeys(t *testing.T) {
	s := storeOf(
		row(1, 0, box(0, 0, 1, 1)),
		row(1, 0, box(5, 5, 9, 9)),
		row(1, 1, box(0, 0, 2, 2)),
	)
	require.Equal(t, 1, s.Len())
	require.Equal(t, 2, s.RowCount())
	g, ok := s.Geometry(1, 0)
	require.True(t, ok)
	assert.Equal(t, box(0, 0, 1, 1), g)
	assert.InDelta(t, 5, s.Volume(1), tol)
	assert.Equal(t, []int32{0, 1}, s.ZIndices(1))
}

func TestEntityLookupNotFound(t *testing.T) {
	s := storeOf(row(1, 0, box(0, 0, 1, 1)))
	_, err := s.Entity(42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	var nf domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, int64(42), nf.ID)
	assert.Error(t, s.Update(42, nil))
	assert.Error(t, s.SetParent(42, nil, ""))
	assert.Zero(t, s.Volume(42))
}

func TestCreateUsesStoreCounter(t *testing.T) {
	s := storeOf(row(3, 0, box(0, 0, 1, 1)), row(7, 0, box(2, 2, 3, 3)))
	id := s.Create(map[int32]orb.MultiPolygon{0: box(5, 5, 6, 6), 1: box(5, 5, 6, 6)}, domain.Int64Ptr(11), nucleus)
	assert.Equal(t, int64(8), id)
	parent, ok := s.Parent(id)
	require.True(t, ok)
	assert.Equal(t, int64(11), *parent)

	s.Remove(id)
	assert.Equal(t, int64(9), s.Create(nil, nil, ""), "IDs are not reused after removal")
}

func TestUpdateReplacesZStack(t *testing.T) {
	s := storeOf(row(1, 0, box(0, 0, 1, 1)), row(1, 1, box(0, 0, 1, 1)))
	require.NoError(t, s.SetParent(1, domain.Int64Ptr(5), nucleus))
	require.NoError(t, s.Update(1, map[int32]orb.MultiPolygon{1: box(0, 0, 2, 2), 2: box(0, 0, 3, 3)}))
	assert.Equal(t, []int32{1, 2}, s.ZIndices(1))
	assert.InDelta(t, 13, s.Volume(1), tol)
	rows, err := s.Entity(1)
	require.NoError(t, err)
	for _, r := range rows {
		require.NotNil(t, r.ParentID)
		assert.Equal(t, int64(5), *r.ParentID)
		assert.Equal(t, nucleus, r.ParentType)
	}
	require.NoError(t, s.SetParent(1, nil, nucleus))
	_, ok := s.Parent(1)
	assert.False(t, ok)
}

func TestCombineKeepsFirstAndRenumbers(t *testing.T) {
	a := storeOf(row(1, 0, box(0, 0, 1, 1)), row(2, 0, box(3, 3, 4, 4)))
	b := storeOf(row(2, 0, box(9, 9, 10, 10)), row(2, 1, box(3, 3, 4, 4)), row(5, 0, box(6, 6, 7, 7)))
	out := Combine(a, nil, b)
	assert.Equal(t, 3, out.Len())
	assert.Equal(t, 4, out.RowCount())
	g, _ := out.Geometry(2, 0)
	assert.Equal(t, box(3, 3, 4, 4), g)

	seen := map[int64]bool{}
	for _, d := range out.Detections() {
		assert.False(t, seen[d.DetectionID])
		seen[d.DetectionID] = true
		assert.Less(t, d.DetectionID, int64(4))
	}
	assert.Equal(t, 0, Combine().Len())
}

func TestPartitionAndRenumber(t *testing.T) {
	s := storeOf(row(1, 0, box(0, 0, 1, 1)), row(2, 0, box(3, 3, 4, 4)), row(3, 0, box(6, 6, 7, 7)))
	sel, rest := s.Partition([]int64{2, 99})
	assert.Equal(t, []int64{2}, sel.EntityIDs())
	assert.Equal(t, []int64{1, 3}, rest.EntityIDs())
	assert.Equal(t, int64(3), sel.Create(nil, nil, ""))

	s.Renumber(map[int64]int64{1: 100})
	assert.Equal(t, []int64{2, 3, 100}, s.EntityIDs())
	assert.Equal(t, int64(101), s.Create(nil, nil, ""))
}

func TestRemapParentsAndChildrenOf(t *testing.T) {
	s := storeOf(row(1, 0, box(0, 0, 1, 1)), row(2, 0, box(3, 3, 4, 4)))
	require.NoError(t, s.SetParent(1, domain.Int64Ptr(10), nucleus))
	require.NoError(t, s.SetParent(2, domain.Int64Ptr(11), nucleus))
	assert.Equal(t, 1, s.RemapParents(map[int64]int64{10: 20}))
	assert.Equal(t, []int64{1}, s.ChildrenOf(20))
	assert.Empty(t, s.ChildrenOf(10))
}

func TestCloneIsIndependent(t *testing.T) {
	s := storeOf(row(1, 0, box(0, 0, 1, 1)))
	c := s.Clone()
	require.NoError(t, c.SetGeometry(1, 0, box(0, 0, 5, 5)))
	assert.InDelta(t, 1, s.Volume(1), tol)
	assert.InDelta(t, 25, c.Volume(1), tol)
}
