package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	nf := fmt.Errorf("lookup: %w", NotFoundError{Entity: "cell", ID: 7})
	assert.ErrorIs(t, nf, ErrNotFound)
	assert.EqualError(t, nf, "lookup: cell 7 not found")
	assert.EqualError(t, NotFoundError{ID: 3}, "entity 3 not found")

	of := fmt.Errorf("encode: %w", OverflowError{Field: "tile", Value: 100_000, Max: MaxTileOrdinal})
	assert.True(t, IsOverflow(of))
	assert.False(t, IsConfigError(of))
	assert.Contains(t, of.Error(), "tile 100000 exceeds maximum 99999")

	ce := fmt.Errorf("load: %w", ConfigError{Field: "relationships.parent_type", Reason: "required"})
	assert.True(t, IsConfigError(ce))
	assert.False(t, IsOverflow(ce))
	assert.EqualError(t, ConfigError{Reason: "bad"}, "invalid configuration: bad")
	assert.False(t, IsConfigError(errors.New("plain")))
}

func TestDigitCount(t *testing.T) {
	cases := map[int64]int{0: 1, 9: 1, 10: 2, 99_999: 5, 100_000: 6, 10_000_000: 8}
	for v, want := range cases {
		assert.Equal(t, want, DigitCount(v), "digits of %d", v)
	}
}

func TestDetectionClone(t *testing.T) {
	d := Detection{
		EntityID: 1,
		ZIndex:   2,
		Geometry: orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}},
		ParentID: Int64Ptr(9),
	}
	cp := d.Clone()
	require.True(t, cp.HasParent())
	*cp.ParentID = 10
	cp.Geometry[0][0][0] = orb.Point{5, 5}
	assert.Equal(t, int64(9), *d.ParentID)
	assert.Equal(t, orb.Point{0, 0}, d.Geometry[0][0][0])
	assert.Equal(t, Key{EntityID: 1, ZIndex: 2}, d.Key())
}
